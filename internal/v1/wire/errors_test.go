package wire

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesOnCode(t *testing.T) {
	err := NewError(CodeNotMember, "not a member of this conversation")
	assert.True(t, errors.Is(err, NewError(CodeNotMember, "anything")))
	assert.False(t, errors.Is(err, NewError(CodeForbidden, "anything")))
}

func TestError_UnwrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := WrapError(CodeStorageUnavailable, "storage unavailable", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestAsError_PassThrough(t *testing.T) {
	original := NewError(CodeRateLimited, "slow down")
	got := AsError(fmt.Errorf("wrapped: %w", original))
	assert.Equal(t, CodeRateLimited, got.Code)
}

func TestAsError_WrapsUnknown(t *testing.T) {
	got := AsError(fmt.Errorf("boom"))
	assert.Equal(t, CodeInternal, got.Code)
}

func TestWithDetail_DoesNotMutateOriginal(t *testing.T) {
	base := NewError(CodeInvalidAck, "bad ack")
	derived := base.WithDetail("latest_seq", int64(9))

	assert.Nil(t, base.Details)
	require.NotNil(t, derived.Details)
	assert.Equal(t, int64(9), derived.Details["latest_seq"])
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, CodeUnauthorized.HTTPStatus())
	assert.Equal(t, http.StatusForbidden, CodeForbidden.HTTPStatus())
	assert.Equal(t, http.StatusForbidden, CodeNotMember.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, CodeConvNotFound.HTTPStatus())
	assert.Equal(t, http.StatusConflict, CodeConflict.HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, CodeRateLimited.HTTPStatus())
	assert.Equal(t, http.StatusRequestEntityTooLarge, CodePayloadTooLarge.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, CodeInvalidFrame.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, CodeStorageUnavailable.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, CodeInternal.HTTPStatus())
}

func TestFatalCodes(t *testing.T) {
	assert.True(t, CodeUnauthorized.Fatal())
	assert.False(t, CodeSlowConsumer.Fatal())
	assert.False(t, CodeInvalidFrame.Fatal())
}

func TestHTTPBody_MergesDetails(t *testing.T) {
	e := NewError(CodeReplayWindowExceeded, "window exceeded").
		WithDetail("earliest_seq", int64(3))
	body := e.HTTPBody()
	assert.Equal(t, "replay_window_exceeded", body["code"])
	assert.Equal(t, int64(3), body["earliest_seq"])
}
