package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when TEAMTALK_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_Append_Dedupe_SingleRow(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	store := mustNewPostgresStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	lobbyID := "it-dedupe-" + NewRandomHex(8)
	clientMsgID := "cmsg-" + NewRandomHex(8)
	now := time.Now().UTC()

	first, err := store.Append(ctx, AppendMessageInput{
		LobbyID:     lobbyID,
		SenderID:    "alice",
		ClientMsgID: clientMsgID,
		Content:     "hello",
		Now:         now,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Duplicated {
		t.Fatalf("append first: expected Duplicated=false")
	}
	if len(first.Stored.ID) != 26 {
		t.Fatalf("append first: unexpected id %q", first.Stored.ID)
	}

	second, err := store.Append(ctx, AppendMessageInput{
		LobbyID:     lobbyID,
		SenderID:    "alice",
		ClientMsgID: clientMsgID, // duplicate on purpose
		Content:     "hello again",
		Now:         now.Add(1 * time.Second),
	})
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !second.Duplicated {
		t.Fatalf("append duplicate: expected Duplicated=true")
	}
	if second.Stored.ID != first.Stored.ID || second.Stored.Content != "hello" {
		t.Fatalf("append duplicate must return the original, got %+v", second.Stored)
	}

	if cnt := mustCountLobbyMessages(t, pool, schema, lobbyID); cnt != 1 {
		t.Fatalf("expected 1 message row, got %d", cnt)
	}
}

func TestPostgresStore_ConcurrentAppend_IDsOrdered(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	store := mustNewPostgresStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	lobbyID := "it-concurrency-" + NewRandomHex(8)

	const n = 32

	var wg sync.WaitGroup
	wg.Add(n)
	errCh := make(chan error, n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			_, err := store.Append(ctx, AppendMessageInput{
				LobbyID:     lobbyID,
				SenderID:    "alice",
				ClientMsgID: fmt.Sprintf("cmsg-%d-%s", i, NewRandomHex(5)),
				Content:     fmt.Sprintf("m%d", i),
				Now:         time.Now().UTC(),
			})
			if err != nil {
				errCh <- err
			}
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent append error: %v", err)
	}

	out, err := store.FetchHistory(ctx, FetchHistoryInput{LobbyID: lobbyID, Limit: 200})
	if err != nil {
		t.Fatalf("fetch history: %v", err)
	}
	if len(out.Messages) != n || out.HasMore {
		t.Fatalf("expected %d messages, got %d (has_more=%v)", n, len(out.Messages), out.HasMore)
	}

	for i := 1; i < len(out.Messages); i++ {
		if out.Messages[i].ID <= out.Messages[i-1].ID {
			t.Fatalf("ids not strictly increasing at %d: %q <= %q", i, out.Messages[i].ID, out.Messages[i-1].ID)
		}
	}
}

func TestPostgresStore_History_Paging(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	store := mustNewPostgresStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	lobbyID := "it-history-" + NewRandomHex(8)

	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, AppendMessageInput{
			LobbyID:     lobbyID,
			SenderID:    "alice",
			ClientMsgID: fmt.Sprintf("cmsg-%d-%s", i, NewRandomHex(4)),
			Content:     fmt.Sprintf("m%d", i),
			Now:         time.Now().UTC(),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	out1, err := store.FetchHistory(ctx, FetchHistoryInput{LobbyID: lobbyID, Limit: 2})
	if err != nil {
		t.Fatalf("fetch history 1: %v", err)
	}
	if len(out1.Messages) != 2 || !out1.HasMore {
		t.Fatalf("fetch history 1: got %d msgs, has_more=%v", len(out1.Messages), out1.HasMore)
	}
	if out1.Messages[0].Content != "m0" || out1.Messages[1].Content != "m1" {
		t.Fatalf("fetch history 1: out of order: %+v", out1.Messages)
	}

	after := out1.Messages[len(out1.Messages)-1].ID
	out2, err := store.FetchHistory(ctx, FetchHistoryInput{LobbyID: lobbyID, AfterID: &after, Limit: 50})
	if err != nil {
		t.Fatalf("fetch history 2: %v", err)
	}
	if len(out2.Messages) != 1 || out2.HasMore {
		t.Fatalf("fetch history 2: got %d msgs, has_more=%v", len(out2.Messages), out2.HasMore)
	}
	if out2.Messages[0].Content != "m2" {
		t.Fatalf("fetch history 2: got %q", out2.Messages[0].Content)
	}
}

func TestPostgresStore_AppendDirect_Dedupe_SingleRow(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	store := mustNewPostgresStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	clientMsgID := "dm-cmsg-" + NewRandomHex(8)

	first, err := store.AppendDirect(ctx, AppendDirectMessageInput{
		SenderID:    "alice",
		ReceiverID:  "bob",
		ClientMsgID: clientMsgID,
		Content:     "psst",
		Now:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Duplicated {
		t.Fatalf("append first: expected Duplicated=false")
	}

	second, err := store.AppendDirect(ctx, AppendDirectMessageInput{
		SenderID:    "alice",
		ReceiverID:  "bob",
		ClientMsgID: clientMsgID, // retry on purpose
		Content:     "psst again",
		Now:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !second.Duplicated {
		t.Fatalf("append duplicate: expected Duplicated=true")
	}
	if second.Stored.ID != first.Stored.ID || second.Stored.Content != "psst" {
		t.Fatalf("append duplicate must return the original, got %+v", second.Stored)
	}

	var cnt int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(schema, "direct_messages")+` WHERE sender_id = 'alice' AND client_msg_id = $1`,
		clientMsgID,
	).Scan(&cnt); err != nil {
		t.Fatalf("count direct messages: %v", err)
	}
	if cnt != 1 {
		t.Fatalf("expected 1 direct message row, got %d", cnt)
	}
}

func TestPostgresStore_MarkDirectRead_CAS(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	store := mustNewPostgresStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res, err := store.AppendDirect(ctx, AppendDirectMessageInput{
		SenderID:   "alice",
		ReceiverID: "bob",
		Content:    "psst",
		Now:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("append direct: %v", err)
	}
	dm := res.Stored
	if dm.ReadAt != nil {
		t.Fatalf("fresh dm must start unread")
	}

	// Sender-side mark matches no row.
	got, updated, err := store.MarkDirectRead(ctx, dm.ID, "alice", time.Now().UTC())
	if err != nil || updated || got.ReadAt != nil {
		t.Fatalf("sender-side mark: updated=%v read_at=%v err=%v", updated, got.ReadAt, err)
	}

	at := time.Now().UTC().Truncate(time.Microsecond)
	got, updated, err = store.MarkDirectRead(ctx, dm.ID, "bob", at)
	if err != nil || !updated {
		t.Fatalf("receiver mark: updated=%v err=%v", updated, err)
	}
	if got.ReadAt == nil || !got.ReadAt.Equal(at) {
		t.Fatalf("read_at not recorded: %v", got.ReadAt)
	}

	// Repeat keeps the first timestamp.
	got, updated, err = store.MarkDirectRead(ctx, dm.ID, "bob", at.Add(time.Hour))
	if err != nil || updated {
		t.Fatalf("repeat mark: updated=%v err=%v", updated, err)
	}
	if !got.ReadAt.Equal(at) {
		t.Fatalf("repeat mark changed read_at: %v", got.ReadAt)
	}
}

func TestPostgresStore_InsertReceipt_Idempotent(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	store := mustNewPostgresStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	msg, err := store.Append(ctx, AppendMessageInput{
		LobbyID:     "it-receipts-" + NewRandomHex(8),
		SenderID:    "alice",
		ClientMsgID: "cmsg-" + NewRandomHex(8),
		Content:     "read me",
		Now:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	created, err := store.InsertReceipt(ctx, msg.Stored.ID, "bob", time.Now().UTC())
	if err != nil || !created {
		t.Fatalf("first receipt: created=%v err=%v", created, err)
	}

	created, err = store.InsertReceipt(ctx, msg.Stored.ID, "bob", time.Now().UTC())
	if err != nil || created {
		t.Fatalf("duplicate receipt: created=%v err=%v", created, err)
	}
}

func TestPostgresMembershipStore_WatermarkFlow(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	members, err := NewPostgresMembershipStore(pool, WithMembershipSchema(schema))
	if err != nil {
		t.Fatalf("new membership store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	mustExec(t, pool, `INSERT INTO `+pgIdent(schema, "lobbies")+` (id, team_id, name) VALUES ('general', 'acme', 'General')`)
	mustExec(t, pool, `INSERT INTO `+pgIdent(schema, "lobby_members")+` (lobby_id, user_id) VALUES ('general', 'alice')`)

	ok, err := members.IsMember(ctx, "alice", "general")
	if err != nil || !ok {
		t.Fatalf("IsMember(alice): ok=%v err=%v", ok, err)
	}
	ok, err = members.IsMember(ctx, "mallory", "general")
	if err != nil || ok {
		t.Fatalf("IsMember(mallory): ok=%v err=%v", ok, err)
	}

	wm, ok, err := members.Watermark(ctx, "alice", "general")
	if err != nil || !ok || wm != nil {
		t.Fatalf("fresh watermark: (%v, %v, %v)", wm, ok, err)
	}

	if err := members.SetWatermark(ctx, "alice", "general", "01ABC"); err != nil {
		t.Fatalf("SetWatermark: %v", err)
	}
	wm, ok, err = members.Watermark(ctx, "alice", "general")
	if err != nil || !ok || wm == nil || *wm != "01ABC" {
		t.Fatalf("after set: (%v, %v, %v)", wm, ok, err)
	}

	// SetWatermark never creates membership rows.
	if err := members.SetWatermark(ctx, "mallory", "general", "01ABC"); err != nil {
		t.Fatalf("SetWatermark non-member: %v", err)
	}
	if _, ok, _ := members.Watermark(ctx, "mallory", "general"); ok {
		t.Fatalf("SetWatermark created a membership row")
	}

	teamRows, err := members.TeamLobbiesForUser(ctx, "alice", "acme")
	if err != nil || len(teamRows) != 1 || teamRows[0].LobbyID != "general" {
		t.Fatalf("TeamLobbiesForUser: %+v err=%v", teamRows, err)
	}
}

func TestPostgresDirectory_Lookup(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	dir, err := NewPostgresDirectory(pool, schema)
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	mustExec(t, pool, `INSERT INTO `+pgIdent(schema, "users")+` (id, name) VALUES ('alice', 'Alice')`)

	u, err := dir.Lookup(ctx, "alice")
	if err != nil || u.Name != "Alice" {
		t.Fatalf("Lookup(alice): %+v err=%v", u, err)
	}

	if _, err := dir.Lookup(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup(nobody): expected ErrNotFound, got %v", err)
	}
}

// ---- test helpers ----

func mustNewPostgresStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("TEAMTALK_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: TEAMTALK_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse TEAMTALK_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "teamtalk_it_" + strings.ToLower(NewRandomHex(8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplyChatSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	users := pgIdent(schema, "users")
	lobbies := pgIdent(schema, "lobbies")
	members := pgIdent(schema, "lobby_members")
	messages := pgIdent(schema, "messages")
	reads := pgIdent(schema, "message_reads")
	dms := pgIdent(schema, "direct_messages")

	// Minimal schema required by the stores. Must remain semantically
	// aligned with tools/migrations/0001_init.sql; foreign keys are omitted
	// so tests can seed rows independently.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id   TEXT PRIMARY KEY,
  name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS %s (
  id      TEXT PRIMARY KEY,
  team_id TEXT NOT NULL,
  name    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS %s (
  lobby_id             TEXT NOT NULL,
  user_id              TEXT NOT NULL,
  last_read_message_id TEXT,
  PRIMARY KEY (lobby_id, user_id)
);

CREATE TABLE IF NOT EXISTS %s (
  id            TEXT PRIMARY KEY,
  lobby_id      TEXT NOT NULL,
  sender_id     TEXT NOT NULL,
  client_msg_id TEXT NOT NULL,
  content       TEXT NOT NULL,
  sent_at       TIMESTAMPTZ NOT NULL,
  UNIQUE (lobby_id, sender_id, client_msg_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_lobby_id ON %s (lobby_id, id);

CREATE TABLE IF NOT EXISTS %s (
  message_id TEXT NOT NULL,
  user_id    TEXT NOT NULL,
  read_at    TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (message_id, user_id)
);

CREATE TABLE IF NOT EXISTS %s (
  id            TEXT PRIMARY KEY,
  sender_id     TEXT NOT NULL,
  receiver_id   TEXT NOT NULL,
  client_msg_id TEXT NOT NULL DEFAULT '',
  content       TEXT NOT NULL,
  sent_at       TIMESTAMPTZ NOT NULL,
  read_at       TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_direct_messages_dedupe
    ON %s (sender_id, receiver_id, client_msg_id)
    WHERE client_msg_id <> '';
`, users, lobbies, members, messages, messages, reads, dms, dms)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func mustExec(t *testing.T, pool *pgxpool.Pool, sql string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, sql); err != nil {
		t.Fatalf("exec %q: %v", sql, err)
	}
}

func mustCountLobbyMessages(t *testing.T, pool *pgxpool.Pool, schema, lobbyID string) int {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cnt int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(schema, "messages")+` WHERE lobby_id = $1`,
		lobbyID,
	).Scan(&cnt); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return cnt
}
