package app

import (
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
		{"  info  ", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLogLevel(tc.in); got != tc.want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_NeverNil(t *testing.T) {
	if NewLogger("debug", "text") == nil {
		t.Fatalf("text logger is nil")
	}
	if NewLogger("info", "json") == nil {
		t.Fatalf("json logger is nil")
	}
	if NewLogger("bogus", "bogus") == nil {
		t.Fatalf("fallback logger is nil")
	}
}
