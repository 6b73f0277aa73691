package chat

import "time"

// User is the external identity collaborator's view of an account.
// The gateway never mutates users; it only resolves display names
// and verifies that a direct-message receiver exists.
type User struct {
	ID   string
	Name string
}

// Message is a persisted lobby message. Immutable once created.
// IDs are ULIDs, so ordering by id equals ordering by send time within a lobby.
type Message struct {
	ID          string
	LobbyID     string
	SenderID    string
	ClientMsgID string
	Content     string
	SentAt      time.Time
}

// DirectMessage is a persisted user-to-user message.
// ReadAt transitions exactly once, from nil to a timestamp, set by the receiver.
type DirectMessage struct {
	ID          string
	SenderID    string
	ReceiverID  string
	ClientMsgID string
	Content     string
	SentAt      time.Time
	ReadAt      *time.Time
}

// LobbyMembership is the persisted (user, lobby) pair with its read watermark.
// LastReadMessageID == nil means everything in the lobby is unread.
type LobbyMembership struct {
	LobbyID           string
	UserID            string
	LastReadMessageID *string
}

// LobbyTopic is the fan-out topic name for a lobby.
func LobbyTopic(lobbyID string) string { return "lobby:" + lobbyID }

// UserTopic is the per-identity fan-out topic name. Every session a user has
// open is subscribed to it, which is how direct messages and read receipts
// reach all of the user's devices.
func UserTopic(userID string) string { return "user:" + userID }
