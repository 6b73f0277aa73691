package chat

import (
	"log/slog"
	"sync"
	"time"
)

// SessionRegistry tracks live connections and maps each to its verified identity.
// A user may hold any number of simultaneous sessions (multi-device).
//
// Registering a session implicitly subscribes it to the identity's personal
// user:{id} topic; unregistering removes it from every topic it was subscribed
// to. No persisted state changes on either path.
type SessionRegistry struct {
	log *slog.Logger
	hub *Hub

	mu       sync.RWMutex
	byUser   map[string]map[string]*Client  // user id -> session id -> client
	byTopics map[string]map[string]struct{} // session id -> subscribed topic names
}

// NewSessionRegistry constructs a registry bound to a hub.
func NewSessionRegistry(log *slog.Logger, hub *Hub) *SessionRegistry {
	return &SessionRegistry{
		log:      log,
		hub:      hub,
		byUser:   make(map[string]map[string]*Client),
		byTopics: make(map[string]map[string]struct{}),
	}
}

// Register records the session and subscribes it to its identity topic.
func (r *SessionRegistry) Register(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	sessions := r.byUser[client.UserID]
	if sessions == nil {
		sessions = make(map[string]*Client)
		r.byUser[client.UserID] = sessions
	}
	sessions[client.SessionID] = client
	r.byTopics[client.SessionID] = make(map[string]struct{})
	r.mu.Unlock()

	r.Subscribe(client, UserTopic(client.UserID))

	r.log.Info("session.connect",
		"user_id", client.UserID,
		"session_id", client.SessionID,
		"ts", time.Now().UTC(),
	)
}

// Unregister removes the session from every topic it subscribed to, drops it
// from the identity mapping, and signals the client to shut down.
func (r *SessionRegistry) Unregister(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	topics := r.byTopics[client.SessionID]
	delete(r.byTopics, client.SessionID)

	if sessions := r.byUser[client.UserID]; sessions != nil {
		delete(sessions, client.SessionID)
		if len(sessions) == 0 {
			delete(r.byUser, client.UserID)
		}
	}
	r.mu.Unlock()

	for name := range topics {
		r.hub.Topic(name).Leave(client.SessionID)
	}

	// Signal shutdown after membership removal so no broadcaster still holds
	// a pointer while the client goroutines are being torn down.
	client.Close()

	r.log.Info("session.disconnect",
		"user_id", client.UserID,
		"session_id", client.SessionID,
		"ts", time.Now().UTC(),
	)
}

// Subscribe adds the session to a named topic and records the subscription
// so disconnect can undo it.
func (r *SessionRegistry) Subscribe(client *Client, topic string) {
	if r == nil || client == nil || topic == "" {
		return
	}

	r.mu.Lock()
	set := r.byTopics[client.SessionID]
	if set == nil {
		// Session already unregistered; do not resubscribe a dead session.
		r.mu.Unlock()
		return
	}
	set[topic] = struct{}{}
	r.mu.Unlock()

	r.hub.Topic(topic).Join(client)
}

// Unsubscribe removes the session from a named topic.
func (r *SessionRegistry) Unsubscribe(client *Client, topic string) {
	if r == nil || client == nil || topic == "" {
		return
	}

	r.mu.Lock()
	if set := r.byTopics[client.SessionID]; set != nil {
		delete(set, topic)
	}
	r.mu.Unlock()

	r.hub.Topic(topic).Leave(client.SessionID)
}

// SessionCount reports the number of live sessions for a user.
func (r *SessionRegistry) SessionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}
