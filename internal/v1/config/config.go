// Package config validates environment configuration at startup.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables (GatewayID is optional and defaults to "gw-local")
	Port      string
	DBPath    string
	GatewayID string

	// Auth
	Auth0Domain     string
	Auth0Audience   string
	AuthHS256Secret string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Redis / relay
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RelayEnabled  bool

	// Tracing
	OtelEnabled  bool
	OtelEndpoint string

	// Sibling services (out-of-core proxied surfaces)
	SiblingKeypkgURL string
	SiblingSocialURL string

	// Envelope and retention limits
	MaxEnvBytes int64
	MaxRetained int64
	RetainMS    int64

	// Session limits
	MaxSubscriptionsPerSession int
	MaxSessionsPerUser         int
	SessionTTL                 time.Duration
	ResumeTTL                  time.Duration

	// Fan-out tuning
	SubscriptionQueueLen int
	SlowConsumerGrace    time.Duration
	PingInterval         time.Duration
	HeartbeatTimeout     time.Duration
	PruneInterval        time.Duration

	// Rate limits (ulule formatted strings, e.g. "100-M")
	RateLimitAPIGlobal   string
	RateLimitAPIPublic   string
	RateLimitAPIRooms    string
	RateLimitAPIMessages string
	RateLimitWsIP        string
	RateLimitWsUser      string
	SendQPSPerDevice     int
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: DB_PATH
	cfg.DBPath = os.Getenv("DB_PATH")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH is required")
	}

	cfg.GatewayID = getEnvDefault("GATEWAY_ID", "gw-local")

	// Auth
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.AuthHS256Secret = os.Getenv("AUTH_HS256_SECRET")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = getEnvDefault("ALLOWED_ORIGINS", "http://localhost:3000")

	if !cfg.SkipAuth && cfg.AuthHS256Secret == "" {
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			errs = append(errs, "AUTH0_DOMAIN and AUTH0_AUDIENCE are required unless AUTH_HS256_SECRET or SKIP_AUTH is set")
		}
	}
	if cfg.AuthHS256Secret != "" && len(cfg.AuthHS256Secret) < 32 {
		errs = append(errs, fmt.Sprintf("AUTH_HS256_SECRET must be at least 32 characters (got %d)", len(cfg.AuthHS256Secret)))
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}
	cfg.RelayEnabled = os.Getenv("RELAY_ENABLED") == "true"
	if cfg.RelayEnabled && !cfg.RedisEnabled {
		errs = append(errs, "RELAY_ENABLED requires REDIS_ENABLED=true")
	}

	cfg.OtelEnabled = os.Getenv("OTEL_ENABLED") == "true"
	if cfg.OtelEnabled {
		cfg.OtelEndpoint = os.Getenv("OTEL_ENDPOINT")
		if cfg.OtelEndpoint == "" {
			errs = append(errs, "OTEL_ENDPOINT is required when OTEL_ENABLED=true")
		}
	}

	cfg.SiblingKeypkgURL = os.Getenv("SIBLING_KEYPKG_URL")
	cfg.SiblingSocialURL = os.Getenv("SIBLING_SOCIAL_URL")

	// Limits with defaults
	cfg.MaxEnvBytes = getEnvInt64(&errs, "MAX_ENV_BYTES", 1<<20)
	cfg.MaxRetained = getEnvInt64(&errs, "MAX_RETAINED", 0) // 0 = unbounded by count
	cfg.RetainMS = getEnvInt64(&errs, "RETAIN_MS", 0)       // 0 = unbounded by age
	cfg.MaxSubscriptionsPerSession = getEnvInt(&errs, "MAX_SUBSCRIPTIONS_PER_SESSION", 256)
	cfg.MaxSessionsPerUser = getEnvInt(&errs, "MAX_SESSIONS_PER_USER", 16)
	cfg.SubscriptionQueueLen = getEnvInt(&errs, "SUBSCRIPTION_QUEUE_LEN", 1024)
	cfg.SendQPSPerDevice = getEnvInt(&errs, "SEND_QPS_PER_DEVICE_PER_CONV", 25)

	cfg.SessionTTL = getEnvDuration(&errs, "SESSION_TTL_MS", 30*time.Minute)
	cfg.ResumeTTL = getEnvDuration(&errs, "RESUME_TTL_MS", 30*24*time.Hour)
	cfg.SlowConsumerGrace = getEnvDuration(&errs, "SLOW_CONSUMER_MS", 10*time.Second)
	cfg.PingInterval = getEnvDuration(&errs, "PING_MS", 20*time.Second)
	cfg.HeartbeatTimeout = getEnvDuration(&errs, "HEARTBEAT_MS", 45*time.Second)
	cfg.PruneInterval = getEnvDuration(&errs, "PRUNE_INTERVAL_MS", time.Minute)

	// Rate limits use the limiter library's "<count>-<period>" format.
	cfg.RateLimitAPIGlobal = getEnvDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPIRooms = getEnvDefault("RATE_LIMIT_API_ROOMS", "60-M")
	cfg.RateLimitAPIMessages = getEnvDefault("RATE_LIMIT_API_MESSAGES", "600-M")
	cfg.RateLimitWsIP = getEnvDefault("RATE_LIMIT_WS_IP", "30-M")
	cfg.RateLimitWsUser = getEnvDefault("RATE_LIMIT_WS_USER", "60-M")

	if cfg.HeartbeatTimeout <= cfg.PingInterval {
		errs = append(errs, "HEARTBEAT_MS must be greater than PING_MS")
	}
	if cfg.SubscriptionQueueLen < 1 {
		errs = append(errs, "SUBSCRIPTION_QUEUE_LEN must be at least 1")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return cfg, nil
}

// AllowedOriginList splits the configured origins into a slice.
func (c *Config) AllowedOriginList() []string {
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(errs *[]string, key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer (got '%s')", key, v))
		return def
	}
	return n
}

func getEnvInt64(errs *[]string, key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer (got '%s')", key, v))
		return def
	}
	return n
}

// getEnvDuration reads a millisecond-valued env var.
func getEnvDuration(errs *[]string, key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer of milliseconds (got '%s')", key, v))
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// isValidHostPort checks if addr is in 'host:port' format.
func isValidHostPort(addr string) bool {
	idx := strings.LastIndex(addr, ":")
	if idx <= 0 || idx == len(addr)-1 {
		return false
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return false
	}
	return port >= 1 && port <= 65535
}
