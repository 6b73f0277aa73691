package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelope_Validate(t *testing.T) {
	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"valid hello", Envelope{V: Version, Type: TypeHello}, false},
		{"valid lobby message send", Envelope{V: Version, Type: TypeLobbyMessageSend}, false},
		{"valid error", Envelope{V: Version, Type: TypeError}, false},
		{"missing version", Envelope{Type: TypeHello}, true},
		{"blank version", Envelope{V: "   ", Type: TypeHello}, true},
		{"wrong version", Envelope{V: "v2", Type: TypeHello}, true},
		{"missing type", Envelope{V: Version}, true},
		{"unknown type", Envelope{V: Version, Type: "lobby_message_sned"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestEnvelope_ValidateAcceptsEveryKnownType(t *testing.T) {
	types := []string{
		TypeHello, TypeHelloAck,
		TypeLobbyJoin, TypeLobbyJoined, TypeLobbyLeave,
		TypeUserJoined, TypeUserLeft,
		TypeLobbyMessageSend, TypeMessageAck, TypeLobbyMessage,
		TypeDirectMessageSend, TypeDirectMessage, TypeDirectMessageSent,
		TypeLobbyTyping, TypeUserTyping, TypeDirectTyping, TypeUserTypingDirect,
		TypeMessageMarkRead, TypeMessageRead,
		TypeDirectMessageMarkRead, TypeDirectMessageRead,
		TypeLobbyHistoryFetch, TypeLobbyHistoryChunk,
		TypeError,
	}
	for _, typ := range types {
		if err := (Envelope{V: Version, Type: typ}).Validate(); err != nil {
			t.Fatalf("type %q rejected: %v", typ, err)
		}
	}
}

func TestDirectMessagePayload_ReadAtNullOnWire(t *testing.T) {
	b, err := json.Marshal(DirectMessagePayload{
		ID:         "01A",
		SenderID:   "alice",
		ReceiverID: "bob",
		SentAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// read_at must serialize as an explicit null so clients can distinguish
	// "unread" without relying on field absence.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	v, ok := raw["read_at"]
	if !ok {
		t.Fatalf("read_at missing from wire form: %s", b)
	}
	if string(v) != "null" {
		t.Fatalf("expected read_at=null, got %s", v)
	}
}
