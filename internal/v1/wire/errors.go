package wire

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable error code string carried on the wire and in HTTP bodies.
type Code string

const (
	CodeUnauthorized         Code = "unauthorized"
	CodeForbidden            Code = "forbidden"
	CodeRateLimited          Code = "rate_limited"
	CodeConvNotFound         Code = "conv_not_found"
	CodeNotMember            Code = "not_member"
	CodePayloadTooLarge      Code = "payload_too_large"
	CodeInvalidFrame         Code = "invalid_frame"
	CodeInvalidAck           Code = "invalid_ack"
	CodeReplayWindowExceeded Code = "replay_window_exceeded"
	CodeSlowConsumer         Code = "slow_consumer"
	CodeStorageUnavailable   Code = "storage_unavailable"
	CodeInternal             Code = "internal"

	// CodeConflict surfaces only on the HTTP surface (duplicate create → 409).
	CodeConflict Code = "conflict"
)

// Error is the domain error type. Every failure that can reach a client is
// represented as one of these so transports can translate it mechanically.
type Error struct {
	Code    Code
	Message string
	// Details are merged into the wire error body (e.g. earliest_seq,
	// latest_seq, requested_from_seq for replay_window_exceeded).
	Details map[string]any
	// Wrapped operator-facing cause; never sent to clients.
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on code so callers can compare against sentinel errors.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// NewError builds a domain error with a stable code.
func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// WrapError attaches an operator-facing cause to a domain error.
func WrapError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// WithDetail returns a copy of e with a structured detail field added.
func (e *Error) WithDetail(key string, value any) *Error {
	out := &Error{Code: e.Code, Message: e.Message, cause: e.cause}
	out.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return out
}

// AsError extracts a *Error from err, or wraps err as internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return WrapError(CodeInternal, "internal error", err)
}

// Fatal reports whether an error code should also close the transport.
func (c Code) Fatal() bool {
	return c == CodeUnauthorized
}

// HTTPStatus maps a code onto the HTTP surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden, CodeNotMember:
		return http.StatusForbidden
	case CodeConvNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeInvalidFrame, CodeInvalidAck, CodeReplayWindowExceeded:
		return http.StatusBadRequest
	case CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPBody renders the standard JSON error body for the HTTP surface.
func (e *Error) HTTPBody() map[string]any {
	body := map[string]any{
		"code":    string(e.Code),
		"message": e.Message,
	}
	for k, v := range e.Details {
		body[k] = v
	}
	return body
}
