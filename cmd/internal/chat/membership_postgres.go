package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresMembershipStore reads lobby memberships and watermarks from the
// relational store. Every check re-reads persisted state; nothing here is
// cached, which closes the race where membership is revoked between a
// connection's join and a later send.
type PostgresMembershipStore struct {
	pool   *pgxpool.Pool
	schema string
}

// MembershipOption configures PostgresMembershipStore behavior.
type MembershipOption func(*PostgresMembershipStore) error

// WithMembershipSchema sets the DB schema used by the membership store
// (default: "teamtalk").
func WithMembershipSchema(schema string) MembershipOption {
	return func(s *PostgresMembershipStore) error {
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

// NewPostgresMembershipStore constructs a membership store backed by PostgreSQL.
func NewPostgresMembershipStore(pool *pgxpool.Pool, opts ...MembershipOption) (*PostgresMembershipStore, error) {
	st := &PostgresMembershipStore{
		pool:   pool,
		schema: defaultSchema,
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

// IsMember checks whether userID holds a membership row for lobbyID.
func (s *PostgresMembershipStore) IsMember(ctx context.Context, userID, lobbyID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("chat: nil membership store")
	}
	userID = strings.TrimSpace(userID)
	lobbyID = strings.TrimSpace(lobbyID)
	if userID == "" || lobbyID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	members := pgIdent(s.schema, "lobby_members")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE lobby_id = $1 AND user_id = $2`,
		lobbyID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Watermark returns the user's last-read message id for the lobby.
func (s *PostgresMembershipStore) Watermark(ctx context.Context, userID, lobbyID string) (*string, bool, error) {
	if s == nil || s.pool == nil {
		return nil, false, errors.New("chat: nil membership store")
	}

	members := pgIdent(s.schema, "lobby_members")

	var watermark *string
	err := s.pool.QueryRow(ctx,
		`SELECT last_read_message_id FROM `+members+` WHERE lobby_id = $1 AND user_id = $2`,
		lobbyID, userID,
	).Scan(&watermark)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return watermark, true, nil
}

// SetWatermark advances the user's last-read message id for the lobby.
// A missing membership row is a no-op: this core never creates memberships.
func (s *PostgresMembershipStore) SetWatermark(ctx context.Context, userID, lobbyID, messageID string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil membership store")
	}

	members := pgIdent(s.schema, "lobby_members")

	_, err := s.pool.Exec(ctx,
		`UPDATE `+members+` SET last_read_message_id = $3 WHERE lobby_id = $1 AND user_id = $2`,
		lobbyID, userID, messageID,
	)
	return err
}

// LobbiesForUser lists every lobby membership the user holds.
func (s *PostgresMembershipStore) LobbiesForUser(ctx context.Context, userID string) ([]LobbyMembership, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil membership store")
	}

	members := pgIdent(s.schema, "lobby_members")

	rows, err := s.pool.Query(ctx,
		`SELECT lobby_id, user_id, last_read_message_id
		   FROM `+members+`
		  WHERE user_id = $1
		  ORDER BY lobby_id ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMemberships(rows)
}

// TeamLobbiesForUser lists the user's memberships in lobbies of one team.
func (s *PostgresMembershipStore) TeamLobbiesForUser(ctx context.Context, userID, teamID string) ([]LobbyMembership, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil membership store")
	}

	members := pgIdent(s.schema, "lobby_members")
	lobbies := pgIdent(s.schema, "lobbies")

	rows, err := s.pool.Query(ctx,
		`SELECT lm.lobby_id, lm.user_id, lm.last_read_message_id
		   FROM `+members+` lm
		   JOIN `+lobbies+` l ON l.id = lm.lobby_id
		  WHERE lm.user_id = $1 AND l.team_id = $2
		  ORDER BY lm.lobby_id ASC`,
		userID, teamID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMemberships(rows)
}

func scanMemberships(rows pgx.Rows) ([]LobbyMembership, error) {
	var out []LobbyMembership
	for rows.Next() {
		var m LobbyMembership
		if err := rows.Scan(&m.LobbyID, &m.UserID, &m.LastReadMessageID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
