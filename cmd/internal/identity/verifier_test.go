package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func signHS256(t *testing.T, key []byte, c jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func mustVerifier(t *testing.T, key []byte, issuer string) *HS256Verifier {
	t.Helper()
	v, err := NewHS256Verifier(key, issuer)
	if err != nil {
		t.Fatalf("NewHS256Verifier: %v", err)
	}
	return v
}

func TestHS256Verifier_ValidToken(t *testing.T) {
	v := mustVerifier(t, testKey, "")

	token := signHS256(t, testKey, jwt.MapClaims{
		"user_id": "alice",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})

	id, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "alice" {
		t.Fatalf("expected user_id=alice, got %q", id.UserID)
	}
}

func TestHS256Verifier_SubjectFallback(t *testing.T) {
	v := mustVerifier(t, testKey, "")

	token := signHS256(t, testKey, jwt.RegisteredClaims{
		Subject:   "bob",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	id, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "bob" {
		t.Fatalf("expected user_id=bob, got %q", id.UserID)
	}
}

func TestHS256Verifier_WrongKeyRejected(t *testing.T) {
	v := mustVerifier(t, testKey, "")

	otherKey := []byte("ffffffffffffffffffffffffffffffff")
	token := signHS256(t, otherKey, jwt.MapClaims{
		"user_id": "alice",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})

	if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrUnverified) {
		t.Fatalf("expected ErrUnverified, got %v", err)
	}
}

func TestHS256Verifier_ExpiredRejected(t *testing.T) {
	v := mustVerifier(t, testKey, "")

	token := signHS256(t, testKey, jwt.MapClaims{
		"user_id": "alice",
		"exp":     time.Now().Add(-time.Minute).Unix(),
	})

	if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrUnverified) {
		t.Fatalf("expected ErrUnverified, got %v", err)
	}
}

func TestHS256Verifier_NoneAlgRejected(t *testing.T) {
	v := mustVerifier(t, testKey, "")

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"user_id": "alice",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	if _, err := v.Verify(context.Background(), unsigned); !errors.Is(err, ErrUnverified) {
		t.Fatalf("expected ErrUnverified, got %v", err)
	}
}

func TestHS256Verifier_IssuerEnforced(t *testing.T) {
	v := mustVerifier(t, testKey, "teamtalk-idp")

	good := signHS256(t, testKey, jwt.MapClaims{
		"user_id": "alice",
		"iss":     "teamtalk-idp",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	if _, err := v.Verify(context.Background(), good); err != nil {
		t.Fatalf("matching issuer rejected: %v", err)
	}

	bad := signHS256(t, testKey, jwt.MapClaims{
		"user_id": "alice",
		"iss":     "someone-else",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	if _, err := v.Verify(context.Background(), bad); !errors.Is(err, ErrUnverified) {
		t.Fatalf("expected ErrUnverified for wrong issuer, got %v", err)
	}
}

func TestHS256Verifier_MissingUserIDRejected(t *testing.T) {
	v := mustVerifier(t, testKey, "")

	token := signHS256(t, testKey, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrUnverified) {
		t.Fatalf("expected ErrUnverified, got %v", err)
	}
}

func TestNewHS256Verifier_ShortKeyRejected(t *testing.T) {
	if _, err := NewHS256Verifier([]byte("too-short"), ""); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestInsecureVerifier(t *testing.T) {
	v := InsecureVerifier{}

	id, err := v.Verify(context.Background(), "alice")
	if err != nil || id.UserID != "alice" {
		t.Fatalf("got (%+v, %v)", id, err)
	}

	if _, err := v.Verify(context.Background(), "   "); !errors.Is(err, ErrUnverified) {
		t.Fatalf("expected ErrUnverified for blank token, got %v", err)
	}
}

func TestStaticVerifier(t *testing.T) {
	v := StaticVerifier{"tok-1": "alice"}

	id, err := v.Verify(context.Background(), "tok-1")
	if err != nil || id.UserID != "alice" {
		t.Fatalf("got (%+v, %v)", id, err)
	}

	if _, err := v.Verify(context.Background(), "tok-2"); !errors.Is(err, ErrUnverified) {
		t.Fatalf("expected ErrUnverified, got %v", err)
	}
}
