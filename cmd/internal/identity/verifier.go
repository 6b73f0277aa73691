// Package identity is the boundary to the external identity provider.
//
// The gateway never issues credentials; it only verifies bearer tokens the
// provider already signed and extracts the verified user id each connection
// is bound to.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnverified means the presented token does not resolve to a verified identity.
var ErrUnverified = errors.New("identity: unverified token")

// Identity is the verified result of a token check, resolved once at connect
// time and threaded through every subsequent operation on that session.
type Identity struct {
	UserID string
}

// Verifier resolves a bearer token to a verified identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// claims is the token shape issued by the identity provider: the user id
// lives in "user_id", with the registered subject as fallback.
type claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// HS256Verifier validates HMAC-SHA256 signed tokens.
type HS256Verifier struct {
	key    []byte
	issuer string
}

// NewHS256Verifier constructs a verifier for the provider's signing key.
// issuer is optional; when set, the token's iss claim must match.
func NewHS256Verifier(key []byte, issuer string) (*HS256Verifier, error) {
	if len(key) < 32 {
		return nil, errors.New("identity: HMAC key too short (min 32 bytes)")
	}
	return &HS256Verifier{key: key, issuer: issuer}, nil
}

// Verify parses and validates the token signature, expiry and issuer.
func (v *HS256Verifier) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnverified
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnverified, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrUnverified
	}

	userID := strings.TrimSpace(c.UserID)
	if userID == "" {
		userID = strings.TrimSpace(c.Subject)
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: token carries no user id", ErrUnverified)
	}

	return Identity{UserID: userID}, nil
}

// InsecureVerifier treats the raw token as the user id itself.
// Dev-only escape hatch, mirrored by the TEAMTALK_AUTH_DEV_INSECURE knob.
type InsecureVerifier struct{}

// Verify accepts any non-empty token as a user id.
func (InsecureVerifier) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnverified
	}
	return Identity{UserID: token}, nil
}

// StaticVerifier maps fixed tokens to user ids. Used by tests.
type StaticVerifier map[string]string

// Verify resolves a token from the static table.
func (v StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	userID, ok := v[token]
	if !ok {
		return Identity{}, ErrUnverified
	}
	return Identity{UserID: userID}, nil
}
