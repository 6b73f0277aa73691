package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const memMaxMessagesPerLobby = 10_000

// MemoryStore is an in-memory implementation of every store interface.
// It backs dev mode when no database is configured, and the unit tests.
type MemoryStore struct {
	mu  sync.Mutex
	ids *messageIDGen

	users   map[string]User
	lobbies map[string]string // lobby id -> team id
	members map[memberKey]*memberRow

	msgs      map[string][]Message // lobby id -> messages ordered by id
	msgByID   map[string]Message
	msgDedupe map[string]Message // lobby+sender+client_msg_id -> stored message

	dms       map[string]DirectMessage
	dmsDedupe map[string]string // sender+receiver+client_msg_id -> dm id
	receipts  map[receiptKey]time.Time
}

type memberKey struct{ userID, lobbyID string }

type receiptKey struct{ messageID, userID string }

type memberRow struct {
	lastReadMessageID *string
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ids:       newMessageIDGen(),
		users:     make(map[string]User),
		lobbies:   make(map[string]string),
		members:   make(map[memberKey]*memberRow),
		msgs:      make(map[string][]Message),
		msgByID:   make(map[string]Message),
		msgDedupe: make(map[string]Message),
		dms:       make(map[string]DirectMessage),
		dmsDedupe: make(map[string]string),
		receipts:  make(map[receiptKey]time.Time),
	}
}

// ---- seeding (the external team-management flow in tests/dev) ----

// AddUser registers a known identity.
func (s *MemoryStore) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// AddLobby registers a lobby belonging to a team.
func (s *MemoryStore) AddLobby(lobbyID, teamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lobbies[lobbyID] = teamID
}

// AddMember creates a LobbyMembership row with a nil watermark.
func (s *MemoryStore) AddMember(userID, lobbyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{userID: userID, lobbyID: lobbyID}
	if _, ok := s.members[key]; !ok {
		s.members[key] = &memberRow{}
	}
}

// ---- UserDirectory ----

// Lookup resolves a user id to a known account.
func (s *MemoryStore) Lookup(_ context.Context, userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return User{}, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	return u, nil
}

// ---- MembershipStore ----

// IsMember reports whether a membership row exists.
func (s *MemoryStore) IsMember(_ context.Context, userID, lobbyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.members[memberKey{userID: userID, lobbyID: lobbyID}]
	return ok, nil
}

// Watermark returns the user's last-read message id for the lobby.
func (s *MemoryStore) Watermark(_ context.Context, userID, lobbyID string) (*string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.members[memberKey{userID: userID, lobbyID: lobbyID}]
	if !ok {
		return nil, false, nil
	}
	if row.lastReadMessageID == nil {
		return nil, true, nil
	}
	v := *row.lastReadMessageID
	return &v, true, nil
}

// SetWatermark advances the user's last-read message id.
func (s *MemoryStore) SetWatermark(_ context.Context, userID, lobbyID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.members[memberKey{userID: userID, lobbyID: lobbyID}]
	if !ok {
		return nil
	}
	v := messageID
	row.lastReadMessageID = &v
	return nil
}

// LobbiesForUser lists the user's memberships.
func (s *MemoryStore) LobbiesForUser(_ context.Context, userID string) ([]LobbyMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []LobbyMembership
	for key, row := range s.members {
		if key.userID != userID {
			continue
		}
		out = append(out, membershipOf(key, row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LobbyID < out[j].LobbyID })
	return out, nil
}

// TeamLobbiesForUser lists the user's memberships within one team.
func (s *MemoryStore) TeamLobbiesForUser(_ context.Context, userID, teamID string) ([]LobbyMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []LobbyMembership
	for key, row := range s.members {
		if key.userID != userID || s.lobbies[key.lobbyID] != teamID {
			continue
		}
		out = append(out, membershipOf(key, row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LobbyID < out[j].LobbyID })
	return out, nil
}

func membershipOf(key memberKey, row *memberRow) LobbyMembership {
	m := LobbyMembership{LobbyID: key.lobbyID, UserID: key.userID}
	if row.lastReadMessageID != nil {
		v := *row.lastReadMessageID
		m.LastReadMessageID = &v
	}
	return m
}

// ---- MessageStore ----

// Append persists a lobby message with a server ULID id and UTC timestamp.
// The single store mutex doubles as the per-lobby critical section, so ids
// are strictly increasing in append order.
func (s *MemoryStore) Append(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if in.LobbyID == "" || in.SenderID == "" || in.ClientMsgID == "" {
		return AppendMessageResult{}, fmt.Errorf("append message: %w", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dedupeKey := in.LobbyID + "\x00" + in.SenderID + "\x00" + in.ClientMsgID
	if existing, ok := s.msgDedupe[dedupeKey]; ok {
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}

	id, err := s.ids.Next(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	msg := Message{
		ID:          id,
		LobbyID:     in.LobbyID,
		SenderID:    in.SenderID,
		ClientMsgID: in.ClientMsgID,
		Content:     in.Content,
		SentAt:      now,
	}
	s.msgs[in.LobbyID] = append(s.msgs[in.LobbyID], msg)
	s.msgByID[id] = msg
	s.msgDedupe[dedupeKey] = msg

	// Bound memory to avoid unbounded growth in dev.
	if list := s.msgs[in.LobbyID]; len(list) > memMaxMessagesPerLobby {
		s.msgs[in.LobbyID] = list[len(list)-memMaxMessagesPerLobby:]
	}

	return AppendMessageResult{Stored: msg, Duplicated: false}, nil
}

// Get returns a message by id.
func (s *MemoryStore) Get(_ context.Context, messageID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.msgByID[messageID]
	if !ok {
		return Message{}, fmt.Errorf("message %q: %w", messageID, ErrNotFound)
	}
	return msg, nil
}

// LatestID returns the highest message id in the lobby.
func (s *MemoryStore) LatestID(_ context.Context, lobbyID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.msgs[lobbyID]
	if len(list) == 0 {
		return "", false, nil
	}
	return list[len(list)-1].ID, true, nil
}

// CountAfter counts messages in the lobby with id greater than afterID.
// A nil afterID counts everything.
func (s *MemoryStore) CountAfter(_ context.Context, lobbyID string, afterID *string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.msgs[lobbyID]
	if afterID == nil {
		return len(list), nil
	}

	after := *afterID
	start := sort.Search(len(list), func(i int) bool { return list[i].ID > after })
	return len(list) - start, nil
}

// FetchHistory returns messages ordered by id ASC with paging via AfterID.
func (s *MemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.LobbyID == "" {
		return FetchHistoryResult{}, fmt.Errorf("fetch history: %w", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := historyLimit(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	snap := append([]Message(nil), s.msgs[in.LobbyID]...)
	s.mu.Unlock()

	if len(snap) == 0 {
		return FetchHistoryResult{}, nil
	}

	start := 0
	if in.AfterID != nil {
		after := *in.AfterID
		start = sort.Search(len(snap), func(i int) bool { return snap[i].ID > after })
		if start >= len(snap) {
			return FetchHistoryResult{}, nil
		}
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return FetchHistoryResult{Messages: out, HasMore: hasMore}, nil
}

// ---- DirectMessageStore ----

// AppendDirect persists a direct message with a server ULID id and UTC
// timestamp. A retry carrying the same client_msg_id returns the stored
// original instead of a second row.
func (s *MemoryStore) AppendDirect(ctx context.Context, in AppendDirectMessageInput) (AppendDirectMessageResult, error) {
	if in.SenderID == "" || in.ReceiverID == "" {
		return AppendDirectMessageResult{}, fmt.Errorf("append direct message: %w", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return AppendDirectMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var dedupeKey string
	if in.ClientMsgID != "" {
		dedupeKey = in.SenderID + "\x00" + in.ReceiverID + "\x00" + in.ClientMsgID
		if id, ok := s.dmsDedupe[dedupeKey]; ok {
			return AppendDirectMessageResult{Stored: s.dms[id], Duplicated: true}, nil
		}
	}

	id, err := s.ids.Next(now)
	if err != nil {
		return AppendDirectMessageResult{}, err
	}

	dm := DirectMessage{
		ID:          id,
		SenderID:    in.SenderID,
		ReceiverID:  in.ReceiverID,
		ClientMsgID: in.ClientMsgID,
		Content:     in.Content,
		SentAt:      now,
	}
	s.dms[id] = dm
	if dedupeKey != "" {
		s.dmsDedupe[dedupeKey] = id
	}
	return AppendDirectMessageResult{Stored: dm, Duplicated: false}, nil
}

// GetDirect returns a direct message by id.
func (s *MemoryStore) GetDirect(_ context.Context, messageID string) (DirectMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dm, ok := s.dms[messageID]
	if !ok {
		return DirectMessage{}, fmt.Errorf("direct message %q: %w", messageID, ErrNotFound)
	}
	return dm, nil
}

// MarkDirectRead performs the receiver-only nil -> timestamp transition.
func (s *MemoryStore) MarkDirectRead(_ context.Context, messageID, receiverID string, at time.Time) (DirectMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dm, ok := s.dms[messageID]
	if !ok {
		return DirectMessage{}, false, fmt.Errorf("direct message %q: %w", messageID, ErrNotFound)
	}
	if dm.ReceiverID != receiverID || dm.ReadAt != nil {
		return dm, false, nil
	}

	t := at.UTC()
	dm.ReadAt = &t
	s.dms[messageID] = dm
	return dm, true, nil
}

// ---- ReadReceiptStore ----

// InsertReceipt records a read receipt once per (message, user).
func (s *MemoryStore) InsertReceipt(_ context.Context, messageID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := receiptKey{messageID: messageID, userID: userID}
	if _, ok := s.receipts[key]; ok {
		return false, nil
	}
	s.receipts[key] = at.UTC()
	return true, nil
}

func historyLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
