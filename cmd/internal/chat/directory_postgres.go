package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory resolves user ids against the users table owned by the
// external team-management flow. Read-only from this core's point of view.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresDirectory constructs a directory backed by PostgreSQL.
func NewPostgresDirectory(pool *pgxpool.Pool, schema string) (*PostgresDirectory, error) {
	if pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = defaultSchema
	}
	if !isValidPGIdent(schema) {
		return nil, errors.New("chat: invalid schema identifier")
	}
	return &PostgresDirectory{pool: pool, schema: schema}, nil
}

// Lookup resolves a user id to a known account.
func (d *PostgresDirectory) Lookup(ctx context.Context, userID string) (User, error) {
	if d == nil || d.pool == nil {
		return User{}, errors.New("chat: nil directory")
	}

	users := pgIdent(d.schema, "users")

	var u User
	err := d.pool.QueryRow(ctx,
		`SELECT id, name FROM `+users+` WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}
