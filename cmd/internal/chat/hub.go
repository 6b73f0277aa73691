package chat

import (
	"log/slog"
	"sync"

	v1 "github.com/Martinlmb3/TeamTalk/contracts/chat/v1"
)

// Hub owns the in-memory topic table and provides stable topic handles.
// It is intentionally minimal: persistence lives behind the stores, and
// topic subscriptions are authoritative only for the lifetime of a connection.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	topics map[string]*Topic
}

// NewHub constructs a Hub instance. metrics may be nil.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	return &Hub{
		log:     log,
		metrics: metrics,
		topics:  make(map[string]*Topic),
	}
}

// Topic returns a stable in-memory topic handle, creating it if needed.
func (h *Hub) Topic(name string) *Topic {
	h.mu.RLock()
	t, ok := h.topics[name]
	h.mu.RUnlock()
	if ok {
		return t
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.topics[name]; ok {
		return t
	}

	t = NewTopic(h.log, name, h.metrics)
	h.topics[name] = t
	return t
}

// Publish fans out an envelope to every session subscribed to the named topic.
// Publishing to a topic nobody subscribes to is a no-op, not an error.
func (h *Hub) Publish(name string, env v1.Envelope) {
	h.mu.RLock()
	t := h.topics[name]
	h.mu.RUnlock()

	if t != nil {
		t.Broadcast(env)
	}
}

// Topics are never removed: handles must stay stable while a concurrent
// subscribe is in flight, and the table is bounded by real lobbies and users.
