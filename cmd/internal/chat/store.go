package chat

import (
	"context"
	"time"
)

// MessageStore persists lobby messages with server-assigned, strictly
// increasing ids and timestamps.
//
// Requirements:
//   - Ids within a lobby are monotonically increasing in send order
//   - Idempotency per (lobby_id, sender_id, client_msg_id)
//   - History query ordered by id ASC
type MessageStore interface {
	Append(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	Get(ctx context.Context, messageID string) (Message, error)
	LatestID(ctx context.Context, lobbyID string) (string, bool, error)
	CountAfter(ctx context.Context, lobbyID string, afterID *string) (int, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
}

// AppendMessageInput describes a lobby message append request.
type AppendMessageInput struct {
	LobbyID     string
	SenderID    string
	ClientMsgID string
	Content     string
	Now         time.Time
}

// AppendMessageResult is the append operation result.
// Duplicated is true when the (lobby, sender, client_msg_id) triple was
// already persisted; the stored original is returned unchanged.
type AppendMessageResult struct {
	Stored     Message
	Duplicated bool
}

// FetchHistoryInput describes a history query request.
type FetchHistoryInput struct {
	LobbyID string
	AfterID *string
	Limit   int
}

// FetchHistoryResult contains the retrieved history window.
type FetchHistoryResult struct {
	Messages []Message
	HasMore  bool
}

// DirectMessageStore persists user-to-user messages.
//
// AppendDirect is idempotent per (sender_id, receiver_id, client_msg_id)
// when ClientMsgID is set; a retry returns the stored original. An empty
// ClientMsgID opts out of deduplication.
type DirectMessageStore interface {
	AppendDirect(ctx context.Context, in AppendDirectMessageInput) (AppendDirectMessageResult, error)
	GetDirect(ctx context.Context, messageID string) (DirectMessage, error)

	// MarkDirectRead sets ReadAt if and only if receiverID is the message's
	// receiver and ReadAt is still nil. It returns the (possibly updated)
	// message and whether this call performed the transition. A repeated or
	// sender-side call is a no-op, not an error.
	MarkDirectRead(ctx context.Context, messageID, receiverID string, at time.Time) (DirectMessage, bool, error)
}

// AppendDirectMessageInput describes a direct message append request.
type AppendDirectMessageInput struct {
	SenderID    string
	ReceiverID  string
	ClientMsgID string
	Content     string
	Now         time.Time
}

// AppendDirectMessageResult is the direct append result. Duplicated is true
// when the (sender, receiver, client_msg_id) triple was already persisted;
// the stored original is returned unchanged.
type AppendDirectMessageResult struct {
	Stored     DirectMessage
	Duplicated bool
}

// ReadReceiptStore records per-(message, user) read receipts.
type ReadReceiptStore interface {
	// InsertReceipt records a receipt unless one already exists for the pair.
	// It reports whether a row was created; duplicates return (false, nil).
	InsertReceipt(ctx context.Context, messageID, userID string, at time.Time) (bool, error)
}

// MembershipStore is the authorization boundary for lobby operations and the
// owner of per-(user, lobby) read watermarks. Implementations always read
// persisted state: a connection's topic subscription is never a substitute.
type MembershipStore interface {
	// IsMember reports whether userID holds a membership row for lobbyID.
	IsMember(ctx context.Context, userID, lobbyID string) (bool, error)

	// Watermark returns the user's last-read message id for the lobby.
	// ok is false when no membership row exists.
	Watermark(ctx context.Context, userID, lobbyID string) (watermark *string, ok bool, err error)

	// SetWatermark advances the user's last-read message id for the lobby.
	SetWatermark(ctx context.Context, userID, lobbyID, messageID string) error

	// LobbiesForUser lists every lobby membership the user holds.
	LobbiesForUser(ctx context.Context, userID string) ([]LobbyMembership, error)

	// TeamLobbiesForUser lists the user's memberships in lobbies of one team.
	TeamLobbiesForUser(ctx context.Context, userID, teamID string) ([]LobbyMembership, error)
}

// UserDirectory resolves identities handed over by the external auth
// collaborator to known accounts. Lookup returns ErrNotFound for unknown ids.
type UserDirectory interface {
	Lookup(ctx context.Context, userID string) (User, error)
}
