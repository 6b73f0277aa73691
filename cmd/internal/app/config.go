package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Token verification policy.
	// AuthHMACKey must be >= 32 bytes unless AuthDevInsecure is set.
	AuthHMACKey     string
	AuthIssuer      string
	AuthDevInsecure bool

	// Seed demo users and a demo lobby when running on the in-memory store.
	DevSeed bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("TEAMTALK_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("TEAMTALK_LOG_LEVEL", "info"),
		LogFormat: EnvString("TEAMTALK_LOG_FORMAT", "json"),

		// No global read/write timeouts: websocket connections are long-lived
		// and have their own idle and heartbeat deadlines.
		ReadHeaderTimeout: EnvDuration("TEAMTALK_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("TEAMTALK_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("TEAMTALK_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("TEAMTALK_DATABASE_URL", ""),
		DBSchema:    EnvString("TEAMTALK_DB_SCHEMA", "teamtalk"),
		DBMaxConns:  EnvInt32("TEAMTALK_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("TEAMTALK_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("TEAMTALK_READINESS_REQUIRE_DB", false),

		AuthHMACKey:     EnvString("TEAMTALK_AUTH_HMAC_KEY", ""),
		AuthIssuer:      EnvString("TEAMTALK_AUTH_ISSUER", ""),
		AuthDevInsecure: EnvBool("TEAMTALK_AUTH_DEV_INSECURE", false),

		DevSeed: EnvBool("TEAMTALK_DEV_SEED", true),
	}
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// EnvBool reads a bool env var with a default.
func EnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// EnvInt reads a positive int env var with a default.
func EnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// EnvInt32 reads a non-negative int32 env var with a default.
func EnvInt32(key string, def int32) int32 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

// EnvDuration reads a duration env var with a default.
func EnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
