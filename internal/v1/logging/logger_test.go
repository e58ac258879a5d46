package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "", RedactToken(""))
	assert.Equal(t, "***", RedactToken("short"))
	assert.Equal(t, "egs_***", RedactToken("egs_abcdefghijklmnop"))
}

func TestAppendContextFields(t *testing.T) {
	ctx := context.WithValue(context.Background(), CorrelationIDKey, "cid-1")
	ctx = context.WithValue(ctx, UserIDKey, "alice")
	ctx = context.WithValue(ctx, SessionIDKey, "sess-1")
	ctx = context.WithValue(ctx, ConvIDKey, "c1")

	fields := appendContextFields(ctx, nil)

	keys := make(map[string]string)
	for _, f := range fields {
		keys[f.Key] = f.String
	}
	assert.Equal(t, "cid-1", keys["correlation_id"])
	assert.Equal(t, "alice", keys["user_id"])
	assert.Equal(t, "sess-1", keys["session_id"])
	assert.Equal(t, "c1", keys["conv_id"])
	assert.Equal(t, "envgate", keys["service"])
}

func TestAppendContextFields_NilContext(t *testing.T) {
	fields := appendContextFields(nil, nil)
	assert.Empty(t, fields)
}

func TestGetLogger_FallbackBeforeInit(t *testing.T) {
	assert.NotNil(t, GetLogger())
}
