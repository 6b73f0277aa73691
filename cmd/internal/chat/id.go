package chat

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// messageIDGen issues ULID message ids with monotonic entropy so that ids
// allocated within the same millisecond still sort in allocation order.
// Watermark arithmetic relies on plain string comparison of these ids.
type messageIDGen struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newMessageIDGen() *messageIDGen {
	return &messageIDGen{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Next returns a new ULID for the given time (26 chars, lexicographically sortable).
func (g *messageIDGen) Next(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), g.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewSessionID returns a ULID used as the websocket session id.
func NewSessionID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
