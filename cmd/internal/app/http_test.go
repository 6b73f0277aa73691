package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Martinlmb3/TeamTalk/cmd/internal/chat"
	"github.com/Martinlmb3/TeamTalk/cmd/internal/identity"
	"github.com/Martinlmb3/TeamTalk/cmd/internal/readapi"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestMux(t *testing.T, cfg Config, dbEnabled bool) *http.ServeMux {
	t.Helper()
	t.Setenv("TEAMTALK_WS_ORIGIN_REQUIRED", "false")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	promReg := prometheus.NewRegistry()
	metrics := chat.NewMetrics(promReg)

	hub := chat.NewHub(log, metrics)
	registry := chat.NewSessionRegistry(log, hub)

	mem := chat.NewMemoryStore()
	verifier := identity.StaticVerifier{"tok-alice": "alice"}

	ws := chat.NewWSGateway(log, hub, registry, chat.GatewayDeps{
		Verifier:       verifier,
		Directory:      mem,
		Members:        mem,
		Messages:       mem,
		DirectMessages: mem,
		Receipts:       mem,
		Metrics:        metrics,
	})
	readAPI := readapi.NewHandler(log, verifier, chat.NewUnreadService(mem, mem))

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, nil, dbEnabled, promReg, ws, readAPI)
	return mux
}

func TestHealthz(t *testing.T) {
	mux := newTestMux(t, Config{}, false)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Fatalf("healthz: status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestReadyz_WithoutDB(t *testing.T) {
	// Default: memory mode is ready.
	mux := newTestMux(t, Config{}, false)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz memory mode: status=%d", rec.Code)
	}

	// Strict readiness demands a configured database.
	mux = newTestMux(t, Config{ReadinessRequireDB: true}, false)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz strict without db: status=%d", rec.Code)
	}
}

func TestMetricsEndpoint_ExposesGatewayInstruments(t *testing.T) {
	mux := newTestMux(t, Config{}, false)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "teamtalk_gateway_connections_active") {
		t.Fatalf("metrics output missing gateway gauge")
	}
}

func TestReadAPIMounted(t *testing.T) {
	mux := newTestMux(t, Config{}, false)

	// No token: the route exists and enforces auth.
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/unread", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unread without token: status=%d", rec.Code)
	}
}
