package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultSchema = "teamtalk"

// PostgresStore implements MessageStore, DirectMessageStore and
// ReadReceiptStore on top of PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//
// Concurrency model:
// - Lobby appends take a per-lobby transactional advisory lock so that
//   ULID allocation and insert order agree: ids within a lobby are strictly
//   increasing in send order even under concurrent senders.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	ids    *messageIDGen
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "teamtalk").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed message/direct/receipt store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: defaultSchema,
		ids:    newMessageIDGen(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// ---- MessageStore ----

// Append persists a lobby message with idempotency per
// (lobby, sender, client_msg_id) and per-lobby monotonic id allocation.
func (s *PostgresStore) Append(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if s == nil || s.pool == nil {
		return AppendMessageResult{}, errors.New("chat: nil store")
	}
	if in.LobbyID == "" || in.SenderID == "" || in.ClientMsgID == "" {
		return AppendMessageResult{}, fmt.Errorf("append message: %w", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	// Serialize writes per lobby so ULID allocation order matches insert
	// order across processes.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.LobbyID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := readMessageByClientMsgID(ctx, tx, messages, in.LobbyID, in.SenderID, in.ClientMsgID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendMessageResult{}, err
		}
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, err
	}

	id, err := s.ids.Next(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, lobby_id, sender_id, client_msg_id, content, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, in.LobbyID, in.SenderID, in.ClientMsgID, in.Content, now,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	out := Message{
		ID:          id,
		LobbyID:     in.LobbyID,
		SenderID:    in.SenderID,
		ClientMsgID: in.ClientMsgID,
		Content:     in.Content,
		SentAt:      now,
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Stored: out, Duplicated: false}, nil
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messages, lobbyID, senderID, clientMsgID string) (Message, error) {
	var m Message
	err := tx.QueryRow(ctx,
		`SELECT id, lobby_id, sender_id, client_msg_id, content, sent_at
		   FROM `+messages+`
		  WHERE lobby_id = $1 AND sender_id = $2 AND client_msg_id = $3`,
		lobbyID, senderID, clientMsgID,
	).Scan(&m.ID, &m.LobbyID, &m.SenderID, &m.ClientMsgID, &m.Content, &m.SentAt)
	return m, err
}

// Get returns a message by id.
func (s *PostgresStore) Get(ctx context.Context, messageID string) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}

	messages := pgIdent(s.schema, "messages")

	var m Message
	err := s.pool.QueryRow(ctx,
		`SELECT id, lobby_id, sender_id, client_msg_id, content, sent_at
		   FROM `+messages+`
		  WHERE id = $1`,
		messageID,
	).Scan(&m.ID, &m.LobbyID, &m.SenderID, &m.ClientMsgID, &m.Content, &m.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, fmt.Errorf("message %q: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// LatestID returns the highest message id in the lobby.
func (s *PostgresStore) LatestID(ctx context.Context, lobbyID string) (string, bool, error) {
	if s == nil || s.pool == nil {
		return "", false, errors.New("chat: nil store")
	}

	messages := pgIdent(s.schema, "messages")

	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM `+messages+` WHERE lobby_id = $1 ORDER BY id DESC LIMIT 1`,
		lobbyID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// CountAfter counts messages in the lobby with id greater than afterID.
func (s *PostgresStore) CountAfter(ctx context.Context, lobbyID string, afterID *string) (int, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("chat: nil store")
	}

	messages := pgIdent(s.schema, "messages")

	var n int
	var err error
	if afterID == nil {
		err = s.pool.QueryRow(ctx,
			`SELECT count(*) FROM `+messages+` WHERE lobby_id = $1`,
			lobbyID,
		).Scan(&n)
	} else {
		err = s.pool.QueryRow(ctx,
			`SELECT count(*) FROM `+messages+` WHERE lobby_id = $1 AND id > $2`,
			lobbyID, *afterID,
		).Scan(&n)
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// FetchHistory returns messages ordered by id ASC, with optional paging by AfterID.
func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if s == nil || s.pool == nil {
		return FetchHistoryResult{}, errors.New("chat: nil store")
	}
	if in.LobbyID == "" {
		return FetchHistoryResult{}, fmt.Errorf("fetch history: %w", ErrValidation)
	}

	limit := historyLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)
	if in.AfterID == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT id, lobby_id, sender_id, client_msg_id, content, sent_at
			   FROM `+messages+`
			  WHERE lobby_id = $1
			  ORDER BY id ASC
			  LIMIT $2`,
			in.LobbyID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, lobby_id, sender_id, client_msg_id, content, sent_at
			   FROM `+messages+`
			  WHERE lobby_id = $1 AND id > $2
			  ORDER BY id ASC
			  LIMIT $3`,
			in.LobbyID, *in.AfterID, fetch,
		)
	}
	if err != nil {
		return FetchHistoryResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.LobbyID, &m.SenderID, &m.ClientMsgID, &m.Content, &m.SentAt); err != nil {
			return FetchHistoryResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return FetchHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

// ---- DirectMessageStore ----

// AppendDirect persists a direct message with a server ULID id. The partial
// unique index on (sender_id, receiver_id, client_msg_id) turns a retry into
// a conflict; the stored original is then read back and returned.
func (s *PostgresStore) AppendDirect(ctx context.Context, in AppendDirectMessageInput) (AppendDirectMessageResult, error) {
	if s == nil || s.pool == nil {
		return AppendDirectMessageResult{}, errors.New("chat: nil store")
	}
	if in.SenderID == "" || in.ReceiverID == "" {
		return AppendDirectMessageResult{}, fmt.Errorf("append direct message: %w", ErrValidation)
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := s.ids.Next(now)
	if err != nil {
		return AppendDirectMessageResult{}, err
	}

	dms := pgIdent(s.schema, "direct_messages")

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+dms+` (id, sender_id, receiver_id, client_msg_id, content, sent_at, read_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULL)
		 ON CONFLICT (sender_id, receiver_id, client_msg_id) WHERE client_msg_id <> '' DO NOTHING`,
		id, in.SenderID, in.ReceiverID, in.ClientMsgID, in.Content, now,
	)
	if err != nil {
		return AppendDirectMessageResult{}, fmt.Errorf("insert direct message: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var dm DirectMessage
		err := s.pool.QueryRow(ctx,
			`SELECT id, sender_id, receiver_id, client_msg_id, content, sent_at, read_at
			   FROM `+dms+`
			  WHERE sender_id = $1 AND receiver_id = $2 AND client_msg_id = $3`,
			in.SenderID, in.ReceiverID, in.ClientMsgID,
		).Scan(&dm.ID, &dm.SenderID, &dm.ReceiverID, &dm.ClientMsgID, &dm.Content, &dm.SentAt, &dm.ReadAt)
		if err != nil {
			return AppendDirectMessageResult{}, fmt.Errorf("read duplicate direct message: %w", err)
		}
		return AppendDirectMessageResult{Stored: dm, Duplicated: true}, nil
	}

	return AppendDirectMessageResult{
		Stored: DirectMessage{
			ID:          id,
			SenderID:    in.SenderID,
			ReceiverID:  in.ReceiverID,
			ClientMsgID: in.ClientMsgID,
			Content:     in.Content,
			SentAt:      now,
		},
	}, nil
}

// GetDirect returns a direct message by id.
func (s *PostgresStore) GetDirect(ctx context.Context, messageID string) (DirectMessage, error) {
	if s == nil || s.pool == nil {
		return DirectMessage{}, errors.New("chat: nil store")
	}

	dms := pgIdent(s.schema, "direct_messages")

	var dm DirectMessage
	err := s.pool.QueryRow(ctx,
		`SELECT id, sender_id, receiver_id, client_msg_id, content, sent_at, read_at
		   FROM `+dms+`
		  WHERE id = $1`,
		messageID,
	).Scan(&dm.ID, &dm.SenderID, &dm.ReceiverID, &dm.ClientMsgID, &dm.Content, &dm.SentAt, &dm.ReadAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DirectMessage{}, fmt.Errorf("direct message %q: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return DirectMessage{}, err
	}
	return dm, nil
}

// MarkDirectRead performs the receiver-only nil -> timestamp transition.
// The WHERE clause is the compare-and-set: a repeated or sender-side call
// matches no row and is reported as a no-op.
func (s *PostgresStore) MarkDirectRead(ctx context.Context, messageID, receiverID string, at time.Time) (DirectMessage, bool, error) {
	if s == nil || s.pool == nil {
		return DirectMessage{}, false, errors.New("chat: nil store")
	}

	dms := pgIdent(s.schema, "direct_messages")

	var dm DirectMessage
	err := s.pool.QueryRow(ctx,
		`UPDATE `+dms+`
		    SET read_at = $3
		  WHERE id = $1 AND receiver_id = $2 AND read_at IS NULL
		RETURNING id, sender_id, receiver_id, client_msg_id, content, sent_at, read_at`,
		messageID, receiverID, at.UTC(),
	).Scan(&dm.ID, &dm.SenderID, &dm.ReceiverID, &dm.ClientMsgID, &dm.Content, &dm.SentAt, &dm.ReadAt)
	if err == nil {
		return dm, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return DirectMessage{}, false, err
	}

	// No transition happened: distinguish "unknown id" from "no-op".
	dm, err = s.GetDirect(ctx, messageID)
	if err != nil {
		return DirectMessage{}, false, err
	}
	return dm, false, nil
}

// ---- ReadReceiptStore ----

// InsertReceipt records a read receipt once per (message, user). The primary
// key on (message_id, user_id) enforces the idempotence invariant under
// concurrent duplicate calls.
func (s *PostgresStore) InsertReceipt(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("chat: nil store")
	}

	reads := pgIdent(s.schema, "message_reads")

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+reads+` (message_id, user_id, read_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		messageID, userID, at.UTC(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ---- identifier helpers ----

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
