package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setRequired sets the minimum viable environment.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("PORT", "8080")
	t.Setenv("DB_PATH", "/tmp/envgate-test.db")
	t.Setenv("SKIP_AUTH", "true")
}

func TestValidateEnv_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "gw-local", cfg.GatewayID)
	assert.Equal(t, int64(1<<20), cfg.MaxEnvBytes)
	assert.Equal(t, 1024, cfg.SubscriptionQueueLen)
	assert.Equal(t, 20*time.Second, cfg.PingInterval)
	assert.Equal(t, 45*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, "1000-M", cfg.RateLimitAPIGlobal)
	assert.False(t, cfg.RedisEnabled)
}

func TestValidateEnv_MissingRequired(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DB_PATH", "")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT is required")
	assert.Contains(t, err.Error(), "DB_PATH is required")
}

func TestValidateEnv_BadPort(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "not-a-port")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT must be a valid port number")
}

func TestValidateEnv_AuthRequiredWithoutSkip(t *testing.T) {
	setRequired(t)
	t.Setenv("SKIP_AUTH", "false")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH0_DOMAIN")
}

func TestValidateEnv_HS256SecretLength(t *testing.T) {
	setRequired(t)
	t.Setenv("SKIP_AUTH", "false")
	t.Setenv("AUTH_HS256_SECRET", "too-short")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_HS256_SECRET must be at least 32 characters")
}

func TestValidateEnv_RelayNeedsRedis(t *testing.T) {
	setRequired(t)
	t.Setenv("RELAY_ENABLED", "true")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_ENABLED requires REDIS_ENABLED")
}

func TestValidateEnv_BadRedisAddr(t *testing.T) {
	setRequired(t)
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "no-port")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR must be in format")
}

func TestValidateEnv_HeartbeatMustExceedPing(t *testing.T) {
	setRequired(t)
	t.Setenv("PING_MS", "30000")
	t.Setenv("HEARTBEAT_MS", "20000")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HEARTBEAT_MS must be greater than PING_MS")
}

func TestValidateEnv_LimitOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("MAX_ENV_BYTES", "2048")
	t.Setenv("MAX_RETAINED", "3")
	t.Setenv("RETAIN_MS", "60000")
	t.Setenv("SUBSCRIPTION_QUEUE_LEN", "16")
	t.Setenv("SLOW_CONSUMER_MS", "2500")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, int64(2048), cfg.MaxEnvBytes)
	assert.Equal(t, int64(3), cfg.MaxRetained)
	assert.Equal(t, int64(60000), cfg.RetainMS)
	assert.Equal(t, 16, cfg.SubscriptionQueueLen)
	assert.Equal(t, 2500*time.Millisecond, cfg.SlowConsumerGrace)
}

func TestValidateEnv_BadNumeric(t *testing.T) {
	setRequired(t)
	t.Setenv("MAX_ENV_BYTES", "many")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_ENV_BYTES")
}

func TestAllowedOriginList(t *testing.T) {
	setRequired(t)
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, https://b.example ,")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a.example", "https://b.example"}, cfg.AllowedOriginList())
}

func TestIsValidHostPort(t *testing.T) {
	assert.True(t, isValidHostPort("localhost:6379"))
	assert.True(t, isValidHostPort("10.0.0.1:1"))
	assert.False(t, isValidHostPort("localhost"))
	assert.False(t, isValidHostPort(":6379"))
	assert.False(t, isValidHostPort("host:"))
	assert.False(t, isValidHostPort("host:99999"))
}
