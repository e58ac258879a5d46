package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame_ValidSend(t *testing.T) {
	raw := []byte(`{"v":1,"t":"conv.send","id":"req-1","ts":1700000000000,"body":{"conv_id":"c1","msg_id":"m1","env":"QUFB"}}`)

	frame, err := DecodeFrame(raw)
	require.Nil(t, err)
	assert.Equal(t, TypeConvSend, frame.T)
	assert.Equal(t, "req-1", frame.ID)

	var body ConvSendBody
	require.Nil(t, DecodeBody(frame, &body))
	assert.Equal(t, "c1", body.ConvID)
	assert.Equal(t, "m1", body.MsgID)
	assert.Equal(t, []byte("AAA"), body.Env)
}

func TestDecodeFrame_UnknownType(t *testing.T) {
	raw := []byte(`{"v":1,"t":"conv.nuke","id":"x","ts":1,"body":{}}`)

	_, err := DecodeFrame(raw)
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidFrame, err.Code)
}

func TestDecodeFrame_ServerTypeRejected(t *testing.T) {
	// Server-originated types are not admissible from clients.
	raw := []byte(`{"v":1,"t":"conv.event","id":"x","ts":1,"body":{}}`)

	_, err := DecodeFrame(raw)
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidFrame, err.Code)
}

func TestDecodeFrame_BadVersion(t *testing.T) {
	raw := []byte(`{"v":2,"t":"conv.send","id":"x","ts":1,"body":{}}`)

	_, err := DecodeFrame(raw)
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidFrame, err.Code)
}

func TestDecodeFrame_MissingID(t *testing.T) {
	raw := []byte(`{"v":1,"t":"pong","ts":1}`)

	_, err := DecodeFrame(raw)
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidFrame, err.Code)
}

func TestDecodeFrame_UpperCaseBodyKeyRejected(t *testing.T) {
	raw := []byte(`{"v":1,"t":"conv.send","id":"x","ts":1,"body":{"convId":"c1","msg_id":"m1"}}`)

	_, err := DecodeFrame(raw)
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidFrame, err.Code)
	assert.Contains(t, err.Message, "snake_case")
}

func TestDecodeFrame_UnknownFieldsIgnored(t *testing.T) {
	raw := []byte(`{"v":1,"t":"conv.ack","id":"x","ts":1,"body":{"conv_id":"c1","seq":3,"extra_field":true}}`)

	frame, err := DecodeFrame(raw)
	require.Nil(t, err)

	var body ConvAckBody
	require.Nil(t, DecodeBody(frame, &body))
	assert.Equal(t, int64(3), body.Seq)
}

func TestDecodeFrame_Malformed(t *testing.T) {
	_, err := DecodeFrame([]byte(`{not json`))
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidFrame, err.Code)
}

func TestDecodeFrame_NonObjectBody(t *testing.T) {
	raw := []byte(`{"v":1,"t":"conv.send","id":"x","ts":1,"body":[1,2,3]}`)

	_, err := DecodeFrame(raw)
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidFrame, err.Code)
}

func TestNewFrame_RoundTrip(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	frame, err := NewFrame(TypeConvEvent, ConvEventBody{ConvID: "c1", Seq: 7, MsgID: "m7", Env: []byte{0x01}, TS: 123}, now)
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, frame.V)
	assert.NotEmpty(t, frame.ID)
	assert.Equal(t, int64(1700000000000), frame.TS)

	data, err := frame.Marshal()
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, string(decoded["body"]), `"conv_id":"c1"`)
	assert.Contains(t, string(decoded["body"]), `"seq":7`)
}

func TestErrorFrame_FlattensDetails(t *testing.T) {
	e := NewError(CodeReplayWindowExceeded, "requested seq precedes the retained window").
		WithDetail("requested_from_seq", int64(1)).
		WithDetail("earliest_seq", int64(3)).
		WithDetail("latest_seq", int64(5))

	frame := ErrorFrame(e, "req-9", time.UnixMilli(42))
	assert.Equal(t, "req-9", frame.ID)

	var body map[string]any
	require.NoError(t, json.Unmarshal(frame.Body, &body))
	assert.Equal(t, "replay_window_exceeded", body["code"])
	assert.Equal(t, float64(3), body["earliest_seq"])
	assert.Equal(t, float64(5), body["latest_seq"])
	assert.Equal(t, float64(1), body["requested_from_seq"])
}

func TestDecodeFrame_OversizeRejected(t *testing.T) {
	big := make([]byte, MaxFrameBytes+1)
	_, err := DecodeFrame(big)
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidFrame, err.Code)
}
