package wire

import (
	"encoding/json"
	"unicode"
)

// MaxFrameBytes bounds the raw frame size before the per-envelope limit is
// applied; oversized frames are rejected as invalid rather than parsed.
const MaxFrameBytes = 4 << 20

// DecodeFrame parses and validates a client frame. Unknown frame types,
// bad versions, and upper-case top-level body keys all yield invalid_frame;
// unknown fields inside known bodies are ignored.
func DecodeFrame(data []byte) (Frame, *Error) {
	if len(data) > MaxFrameBytes {
		return Frame{}, NewError(CodeInvalidFrame, "frame exceeds maximum size")
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, WrapError(CodeInvalidFrame, "malformed frame", err)
	}
	if f.V != ProtocolVersion {
		return Frame{}, NewError(CodeInvalidFrame, "unsupported protocol version")
	}
	if !clientFrameTypes[f.T] {
		return Frame{}, NewError(CodeInvalidFrame, "unknown frame type")
	}
	if f.ID == "" {
		return Frame{}, NewError(CodeInvalidFrame, "missing frame id")
	}
	if len(f.Body) > 0 {
		if err := rejectUpperCaseKeys(f.Body); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// rejectUpperCaseKeys enforces the snake_case wire rule at the top level
// of body. Nested objects (inside env payload metadata etc.) are not
// inspected; the contract covers top-level keys only.
func rejectUpperCaseKeys(body json.RawMessage) *Error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return WrapError(CodeInvalidFrame, "body must be a JSON object", err)
	}
	for k := range keys {
		for _, r := range k {
			if unicode.IsUpper(r) {
				return NewError(CodeInvalidFrame, "body keys must be snake_case")
			}
		}
	}
	return nil
}

// DecodeBody unmarshals a frame body into the given struct, mapping
// malformed payloads to invalid_frame.
func DecodeBody(f Frame, into any) *Error {
	if len(f.Body) == 0 {
		return NewError(CodeInvalidFrame, "missing frame body")
	}
	if err := json.Unmarshal(f.Body, into); err != nil {
		return WrapError(CodeInvalidFrame, "malformed frame body", err)
	}
	return nil
}
