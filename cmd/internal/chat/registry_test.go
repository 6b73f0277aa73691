package chat

import (
	"testing"
	"time"

	v1 "github.com/Martinlmb3/TeamTalk/contracts/chat/v1"
)

func TestRegistry_RegisterSubscribesUserTopic(t *testing.T) {
	hub := NewHub(discardLogger(), nil)
	reg := NewSessionRegistry(discardLogger(), hub)

	c := NewClient("s1", "alice", "Alice", 4)
	reg.Register(c)

	if reg.SessionCount("alice") != 1 {
		t.Fatalf("expected 1 session, got %d", reg.SessionCount("alice"))
	}

	hub.Publish(UserTopic("alice"), testEnvelope(v1.TypeDirectMessage))
	if env := recvOrTimeout(t, c.Send); env.Type != v1.TypeDirectMessage {
		t.Fatalf("user topic delivery failed, got %q", env.Type)
	}
}

func TestRegistry_MultiDeviceSessions(t *testing.T) {
	hub := NewHub(discardLogger(), nil)
	reg := NewSessionRegistry(discardLogger(), hub)

	phone := NewClient("s1", "alice", "Alice", 4)
	laptop := NewClient("s2", "alice", "Alice", 4)
	reg.Register(phone)
	reg.Register(laptop)

	if reg.SessionCount("alice") != 2 {
		t.Fatalf("expected 2 sessions, got %d", reg.SessionCount("alice"))
	}

	hub.Publish(UserTopic("alice"), testEnvelope(v1.TypeDirectMessage))
	if env := recvOrTimeout(t, phone.Send); env.Type != v1.TypeDirectMessage {
		t.Fatalf("phone got %q", env.Type)
	}
	if env := recvOrTimeout(t, laptop.Send); env.Type != v1.TypeDirectMessage {
		t.Fatalf("laptop got %q", env.Type)
	}

	reg.Unregister(phone)
	if reg.SessionCount("alice") != 1 {
		t.Fatalf("expected 1 session after unregister, got %d", reg.SessionCount("alice"))
	}
}

func TestRegistry_UnregisterRemovesAllSubscriptions(t *testing.T) {
	hub := NewHub(discardLogger(), nil)
	reg := NewSessionRegistry(discardLogger(), hub)

	c := NewClient("s1", "alice", "Alice", 4)
	reg.Register(c)
	reg.Subscribe(c, LobbyTopic("general"))
	reg.Subscribe(c, LobbyTopic("random"))

	reg.Unregister(c)

	if n := hub.Topic(LobbyTopic("general")).Len(); n != 0 {
		t.Fatalf("lobby:general still has %d subscribers", n)
	}
	if n := hub.Topic(LobbyTopic("random")).Len(); n != 0 {
		t.Fatalf("lobby:random still has %d subscribers", n)
	}
	if n := hub.Topic(UserTopic("alice")).Len(); n != 0 {
		t.Fatalf("user topic still has %d subscribers", n)
	}

	select {
	case <-c.Done():
	default:
		t.Fatalf("Unregister must close the client")
	}
}

func TestRegistry_SubscribeAfterUnregisterIsRefused(t *testing.T) {
	hub := NewHub(discardLogger(), nil)
	reg := NewSessionRegistry(discardLogger(), hub)

	c := NewClient("s1", "alice", "Alice", 4)
	reg.Register(c)
	reg.Unregister(c)

	reg.Subscribe(c, LobbyTopic("general"))

	if n := hub.Topic(LobbyTopic("general")).Len(); n != 0 {
		t.Fatalf("dead session was subscribed, topic has %d subscribers", n)
	}
}

func TestRegistry_UnsubscribeLeavesOtherTopicsIntact(t *testing.T) {
	hub := NewHub(discardLogger(), nil)
	reg := NewSessionRegistry(discardLogger(), hub)

	c := NewClient("s1", "alice", "Alice", 4)
	reg.Register(c)
	reg.Subscribe(c, LobbyTopic("general"))
	reg.Subscribe(c, LobbyTopic("random"))

	reg.Unsubscribe(c, LobbyTopic("general"))

	if n := hub.Topic(LobbyTopic("general")).Len(); n != 0 {
		t.Fatalf("unsubscribed topic has %d subscribers", n)
	}
	if n := hub.Topic(LobbyTopic("random")).Len(); n != 1 {
		t.Fatalf("other topic lost the subscription, has %d", n)
	}
	select {
	case <-c.Done():
		t.Fatalf("Unsubscribe must not close the client")
	default:
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(3, time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d within limit was denied", i)
		}
	}
	if rl.Allow(base.Add(300 * time.Millisecond)) {
		t.Fatalf("fourth event within the window was allowed")
	}

	// Once the first event slides out of the window, capacity frees up.
	if !rl.Allow(base.Add(1100 * time.Millisecond)) {
		t.Fatalf("event after window expiry was denied")
	}
}

func TestMessageIDGen_MonotonicWithinMillisecond(t *testing.T) {
	gen := newMessageIDGen()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var prev string
	for i := 0; i < 100; i++ {
		id, err := gen.Next(now)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if len(id) != 26 {
			t.Fatalf("unexpected id length %d: %q", len(id), id)
		}
		if id <= prev {
			t.Fatalf("ids not strictly increasing: %q after %q", id, prev)
		}
		prev = id
	}
}
