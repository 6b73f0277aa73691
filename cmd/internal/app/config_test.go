package app

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{
		"TEAMTALK_HTTP_ADDR",
		"TEAMTALK_LOG_LEVEL",
		"TEAMTALK_LOG_FORMAT",
		"TEAMTALK_DATABASE_URL",
		"TEAMTALK_DB_SCHEMA",
		"TEAMTALK_READINESS_REQUIRE_DB",
		"TEAMTALK_AUTH_DEV_INSECURE",
		"TEAMTALK_DEV_SEED",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadConfig()

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Fatalf("log defaults: level=%q format=%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.DBSchema != "teamtalk" {
		t.Fatalf("DBSchema = %q", cfg.DBSchema)
	}
	if cfg.DBMaxConns != 10 || cfg.DBMinConns != 0 {
		t.Fatalf("pool defaults: max=%d min=%d", cfg.DBMaxConns, cfg.DBMinConns)
	}
	if cfg.ReadinessRequireDB || cfg.AuthDevInsecure {
		t.Fatalf("security defaults flipped: %+v", cfg)
	}
	if !cfg.DevSeed {
		t.Fatalf("DevSeed must default to true")
	}
	if cfg.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("ReadHeaderTimeout = %v", cfg.ReadHeaderTimeout)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("TEAMTALK_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("TEAMTALK_LOG_LEVEL", "debug")
	t.Setenv("TEAMTALK_DB_MAX_CONNS", "25")
	t.Setenv("TEAMTALK_READINESS_REQUIRE_DB", "true")
	t.Setenv("TEAMTALK_HTTP_IDLE_TIMEOUT", "2m")
	t.Setenv("TEAMTALK_DEV_SEED", "false")

	cfg := LoadConfig()

	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.DBMaxConns != 25 {
		t.Fatalf("DBMaxConns = %d", cfg.DBMaxConns)
	}
	if !cfg.ReadinessRequireDB {
		t.Fatalf("ReadinessRequireDB not applied")
	}
	if cfg.IdleTimeout != 2*time.Minute {
		t.Fatalf("IdleTimeout = %v", cfg.IdleTimeout)
	}
	if cfg.DevSeed {
		t.Fatalf("DevSeed override not applied")
	}
}

func TestEnvHelpers_RejectGarbage(t *testing.T) {
	t.Setenv("TEAMTALK_TEST_INT", "not-a-number")
	if got := EnvInt("TEAMTALK_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt garbage: got %d", got)
	}

	t.Setenv("TEAMTALK_TEST_INT", "-3")
	if got := EnvInt("TEAMTALK_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt negative: got %d", got)
	}

	t.Setenv("TEAMTALK_TEST_BOOL", "yep")
	if got := EnvBool("TEAMTALK_TEST_BOOL", true); !got {
		t.Fatalf("EnvBool garbage must keep default")
	}

	t.Setenv("TEAMTALK_TEST_DUR", "fast")
	if got := EnvDuration("TEAMTALK_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration garbage: got %v", got)
	}

	t.Setenv("TEAMTALK_TEST_DUR", "-5s")
	if got := EnvDuration("TEAMTALK_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration negative: got %v", got)
	}
}
