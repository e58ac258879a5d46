// Package wire defines the gateway's frame envelope and error taxonomy.
//
// Every WebSocket message is a JSON frame {v, t, id, ts, body}. All field
// names on the wire are snake_case; frames whose body carries upper-case
// top-level keys are rejected to prevent silent schema drift from clients
// serializing with the wrong casing convention.
package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the only accepted value for the frame "v" field.
const ProtocolVersion = 1

// FrameType identifies the frame payload variant.
type FrameType string

// Client → server frame types.
const (
	TypeSessionStart  FrameType = "session.start"
	TypeSessionResume FrameType = "session.resume"
	TypeConvSubscribe FrameType = "conv.subscribe"
	TypeConvAck       FrameType = "conv.ack"
	TypeConvSend      FrameType = "conv.send"
	TypePong          FrameType = "pong"
)

// Server → client frame types. conv.sent acknowledges an accepted
// conv.send with its assigned (seq, ts_ms); it is correlated to the
// request frame by id.
const (
	TypeSessionReady FrameType = "session.ready"
	TypeConvEvent    FrameType = "conv.event"
	TypeConvAcked    FrameType = "conv.acked"
	TypeConvSent     FrameType = "conv.sent"
	TypeError        FrameType = "error"
	TypePing         FrameType = "ping"
)

var clientFrameTypes = map[FrameType]bool{
	TypeSessionStart:  true,
	TypeSessionResume: true,
	TypeConvSubscribe: true,
	TypeConvAck:       true,
	TypeConvSend:      true,
	TypePong:          true,
}

// Frame is the wire envelope shared by all message types.
type Frame struct {
	V    int             `json:"v"`
	T    FrameType       `json:"t"`
	ID   string          `json:"id"`
	TS   int64           `json:"ts"`
	Body json.RawMessage `json:"body,omitempty"`
}

// --- Client → server bodies ---

// SessionStartBody carries the bootstrap credential and device binding.
type SessionStartBody struct {
	AuthToken        string `json:"auth_token"`
	DeviceID         string `json:"device_id"`
	DeviceCredential string `json:"device_credential,omitempty"`
}

// SessionResumeBody re-establishes a session from a resume token.
type SessionResumeBody struct {
	ResumeToken string `json:"resume_token"`
}

// ConvSubscribeBody opens a subscription. FromSeq is inclusive; nil means
// "resume from my cursor". AutoAck advances the cursor implicitly as
// events are delivered; the default is explicit client acks.
type ConvSubscribeBody struct {
	ConvID  string `json:"conv_id"`
	FromSeq *int64 `json:"from_seq,omitempty"`
	AutoAck bool   `json:"auto_ack,omitempty"`
}

// ConvAckBody advances the durable cursor.
type ConvAckBody struct {
	ConvID string `json:"conv_id"`
	Seq    int64  `json:"seq"`
}

// ConvSendBody submits an opaque envelope. Env is base64 on the wire.
type ConvSendBody struct {
	ConvID string `json:"conv_id"`
	MsgID  string `json:"msg_id"`
	Env    []byte `json:"env"`
}

// --- Server → client bodies ---

// SessionReadyBody acknowledges session establishment.
type SessionReadyBody struct {
	SessionToken string `json:"session_token"`
	ResumeToken  string `json:"resume_token"`
	UserID       string `json:"user_id"`
	ExpiresAtMS  int64  `json:"expires_at_ms"`
}

// ConvEventBody delivers one sequenced envelope.
type ConvEventBody struct {
	ConvID        string `json:"conv_id"`
	Seq           int64  `json:"seq"`
	MsgID         string `json:"msg_id"`
	Env           []byte `json:"env"`
	TS            int64  `json:"ts"`
	OriginGateway string `json:"origin_gateway,omitempty"`
	ConvHome      string `json:"conv_home,omitempty"`
}

// ConvAckedBody confirms a cursor advance.
type ConvAckedBody struct {
	ConvID string `json:"conv_id"`
	Seq    int64  `json:"seq"`
}

// ConvSendAckBody is the response body for an accepted conv.send.
type ConvSendAckBody struct {
	ConvID    string `json:"conv_id"`
	Seq       int64  `json:"seq"`
	TSMS      int64  `json:"ts_ms"`
	Duplicate bool   `json:"duplicate"`
}

// ErrorBody is the wire form of a domain error.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"-"`
}

// MarshalJSON flattens Details beside code/message, matching the wire
// contract for structured errors like replay_window_exceeded.
func (b ErrorBody) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 2+len(b.Details))
	out["code"] = b.Code
	out["message"] = b.Message
	for k, v := range b.Details {
		out[k] = v
	}
	return json.Marshal(out)
}

// NewFrame builds a server-originated frame with a fresh id.
func NewFrame(t FrameType, body any, now time.Time) (Frame, error) {
	var raw json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Frame{}, err
		}
		raw = data
	}
	return Frame{
		V:    ProtocolVersion,
		T:    t,
		ID:   uuid.NewString(),
		TS:   now.UnixMilli(),
		Body: raw,
	}, nil
}

// ErrorFrame builds an error frame from a domain error, correlated to the
// request frame id when one exists.
func ErrorFrame(e *Error, correlationID string, now time.Time) Frame {
	body := ErrorBody{Code: string(e.Code), Message: e.Message, Details: e.Details}
	raw, _ := json.Marshal(body)
	id := correlationID
	if id == "" {
		id = uuid.NewString()
	}
	return Frame{V: ProtocolVersion, T: TypeError, ID: id, TS: now.UnixMilli(), Body: raw}
}

// Marshal renders the frame for the socket.
func (f Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}
