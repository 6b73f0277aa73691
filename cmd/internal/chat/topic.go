package chat

import (
	"log/slog"
	"sync"

	v1 "github.com/Martinlmb3/TeamTalk/contracts/chat/v1"
)

// Topic is an in-memory subscription + broadcast fan-out primitive.
// Topic names follow the lobby:{id} / user:{id} convention (see model.go).
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Topic struct {
	log     *slog.Logger
	Name    string
	metrics *Metrics

	mu          sync.RWMutex
	subscribers map[string]*Client
}

// NewTopic constructs a topic.
func NewTopic(log *slog.Logger, name string, metrics *Metrics) *Topic {
	return &Topic{
		log:         log,
		Name:        name,
		metrics:     metrics,
		subscribers: make(map[string]*Client),
	}
}

// Join adds a session to the topic.
func (t *Topic) Join(client *Client) {
	if t == nil || client == nil || client.SessionID == "" {
		return
	}

	t.mu.Lock()
	t.subscribers[client.SessionID] = client
	t.mu.Unlock()

	t.metrics.subscriptionInc()
	t.log.Debug("topic.subscribe", "topic", t.Name, "session_id", client.SessionID)
}

// Leave removes a session from the topic. It does NOT close the client;
// a session leaving one lobby stays live on its other topics.
func (t *Topic) Leave(sessionID string) {
	if t == nil || sessionID == "" {
		return
	}

	t.mu.Lock()
	_, ok := t.subscribers[sessionID]
	delete(t.subscribers, sessionID)
	t.mu.Unlock()

	if ok {
		t.metrics.subscriptionDec()
		t.log.Debug("topic.unsubscribe", "topic", t.Name, "session_id", sessionID)
	}
}

// Len reports the current subscriber count.
func (t *Topic) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}

// Broadcast fans out an envelope to all subscribed sessions.
// Best-effort, at-least-once per reachable session: a full queue or a
// shutting-down client is dropped rather than blocking the whole topic.
func (t *Topic) Broadcast(env v1.Envelope) {
	t.broadcast(env, "")
}

// BroadcastExcept fans out an envelope to all subscribed sessions except one.
// Used for presence and typing signals, which exclude the caller's session.
func (t *Topic) BroadcastExcept(env v1.Envelope, exceptSessionID string) {
	t.broadcast(env, exceptSessionID)
}

func (t *Topic) broadcast(env v1.Envelope, exceptSessionID string) {
	if t == nil {
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for id, s := range t.subscribers {
		if s == nil || id == exceptSessionID {
			continue
		}

		select {
		case <-s.Done():
			// Skip sessions that are shutting down.
			continue
		default:
		}

		select {
		case s.Send <- env:
			t.metrics.fanoutDelivered()
		default:
			// Drop rather than block; the store stays authoritative and the
			// client reconciles on next fetch or reconnect.
			t.metrics.fanoutDropped()
			t.log.Info("topic.fanout.drop", "topic", t.Name, "session_id", id, "type", env.Type)
		}
	}
}
