// Package app wires the TeamTalk server runtime: config, logging, HTTP
// routes, metrics, and the realtime chat gateway.
//
// It is intentionally small and deterministic to keep behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Martinlmb3/TeamTalk/cmd/internal/chat"
	"github.com/Martinlmb3/TeamTalk/cmd/internal/identity"
	"github.com/Martinlmb3/TeamTalk/cmd/internal/readapi"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the TeamTalk server runtime: it owns HTTP wiring and the realtime
// gateway's dependencies.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	promReg *prometheus.Registry

	ws      *chat.WSGateway
	readAPI *readapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := chat.NewMetrics(promReg)

	verifier, err := newVerifier(cfg, log)
	if err != nil {
		return nil, err
	}

	stores, err := newStores(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	hub := chat.NewHub(log, metrics)
	registry := chat.NewSessionRegistry(log, hub)

	ws := chat.NewWSGateway(log, hub, registry, chat.GatewayDeps{
		Verifier:       verifier,
		Directory:      stores.directory,
		Members:        stores.members,
		Messages:       stores.messages,
		DirectMessages: stores.directMessages,
		Receipts:       stores.receipts,
		Metrics:        metrics,
	})

	unread := chat.NewUnreadService(stores.members, stores.messages)
	readAPI := readapi.NewHandler(log, verifier, unread)

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    stores.pool,
		dbEnabled: stores.pool != nil,
		promReg:   promReg,
		ws:        ws,
		readAPI:   readAPI,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.promReg, a.ws, a.readAPI)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func newVerifier(cfg Config, log Logger) (identity.Verifier, error) {
	if cfg.AuthDevInsecure {
		log.Warn("auth.dev_insecure", "detail", "tokens are treated as user ids; never use outside dev")
		return identity.InsecureVerifier{}, nil
	}
	if cfg.AuthHMACKey == "" {
		return nil, errors.New("app: TEAMTALK_AUTH_HMAC_KEY is required (or set TEAMTALK_AUTH_DEV_INSECURE=true for dev)")
	}
	return identity.NewHS256Verifier([]byte(cfg.AuthHMACKey), cfg.AuthIssuer)
}

// storeSet groups the persistence roles the gateway depends on.
// In Postgres mode they are separate store types sharing one pool; in memory
// mode a single MemoryStore serves every role.
type storeSet struct {
	pool *pgxpool.Pool

	messages       chat.MessageStore
	directMessages chat.DirectMessageStore
	receipts       chat.ReadReceiptStore
	members        chat.MembershipStore
	directory      chat.UserDirectory
}

// newStores decides between Postgres-backed persistence and the in-memory dev store.
func newStores(ctx context.Context, cfg Config, log Logger) (storeSet, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")

		mem := chat.NewMemoryStore()
		if cfg.DevSeed {
			seedDevFixtures(mem, log)
		}
		return storeSet{
			messages:       mem,
			directMessages: mem,
			receipts:       mem,
			members:        mem,
			directory:      mem,
		}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return storeSet{}, err
	}
	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	messages, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return storeSet{}, err
	}
	members, err := chat.NewPostgresMembershipStore(pool, chat.WithMembershipSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return storeSet{}, err
	}
	directory, err := chat.NewPostgresDirectory(pool, cfg.DBSchema)
	if err != nil {
		pool.Close()
		return storeSet{}, err
	}

	return storeSet{
		pool:           pool,
		messages:       messages,
		directMessages: messages,
		receipts:       messages,
		members:        members,
		directory:      directory,
	}, nil
}

// seedDevFixtures gives the in-memory store a usable shape for local smoke
// testing: two users sharing one lobby.
func seedDevFixtures(mem *chat.MemoryStore, log Logger) {
	mem.AddUser(chat.User{ID: "alice", Name: "Alice"})
	mem.AddUser(chat.User{ID: "bob", Name: "Bob"})
	mem.AddLobby("general", "acme")
	mem.AddMember("alice", "general")
	mem.AddMember("bob", "general")
	log.Info("db.dev_seed", "users", "alice,bob", "lobby", "general")
}
