package chat

import (
	"context"
	"fmt"
)

// UnreadService computes unread counts from per-(user, lobby) watermarks and
// advances them. Unread count = messages with id greater than the watermark;
// a nil watermark counts every message in the lobby.
//
// Message ids are ULIDs, so "greater than" is plain string comparison and
// agrees with send order within a lobby.
type UnreadService struct {
	members  MembershipStore
	messages MessageStore
}

// NewUnreadService constructs the read-tracking service.
func NewUnreadService(members MembershipStore, messages MessageStore) *UnreadService {
	return &UnreadService{members: members, messages: messages}
}

// UnreadCount returns the unread message count for (user, lobby).
// A user without membership in the lobby has zero unread messages.
func (s *UnreadService) UnreadCount(ctx context.Context, userID, lobbyID string) (int, error) {
	watermark, ok, err := s.members.Watermark(ctx, userID, lobbyID)
	if err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return s.messages.CountAfter(ctx, lobbyID, watermark)
}

// MarkRead advances the user's watermark to upToMessageID, or to the current
// highest message id in the lobby when upToMessageID is nil. It is a no-op
// when the user is not a member or the lobby has no messages yet.
func (s *UnreadService) MarkRead(ctx context.Context, userID, lobbyID string, upToMessageID *string) error {
	_, ok, err := s.members.Watermark(ctx, userID, lobbyID)
	if err != nil {
		return fmt.Errorf("watermark: %w", err)
	}
	if !ok {
		return nil
	}

	target := ""
	if upToMessageID != nil {
		target = *upToMessageID
	} else {
		latest, found, err := s.messages.LatestID(ctx, lobbyID)
		if err != nil {
			return fmt.Errorf("latest id: %w", err)
		}
		if !found {
			return nil
		}
		target = latest
	}

	return s.members.SetWatermark(ctx, userID, lobbyID, target)
}

// UnreadCounts computes the unread count for every lobby the user belongs to.
func (s *UnreadService) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	memberships, err := s.members.LobbiesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lobbies for user: %w", err)
	}

	out := make(map[string]int, len(memberships))
	for _, m := range memberships {
		n, err := s.messages.CountAfter(ctx, m.LobbyID, m.LastReadMessageID)
		if err != nil {
			return nil, fmt.Errorf("count after (lobby %s): %w", m.LobbyID, err)
		}
		out[m.LobbyID] = n
	}
	return out, nil
}

// HasUnreadInTeam reports whether any of the user's lobbies in the team has a
// positive unread count. Short-circuits on first match.
func (s *UnreadService) HasUnreadInTeam(ctx context.Context, userID, teamID string) (bool, error) {
	memberships, err := s.members.TeamLobbiesForUser(ctx, userID, teamID)
	if err != nil {
		return false, fmt.Errorf("team lobbies for user: %w", err)
	}

	for _, m := range memberships {
		n, err := s.messages.CountAfter(ctx, m.LobbyID, m.LastReadMessageID)
		if err != nil {
			return false, fmt.Errorf("count after (lobby %s): %w", m.LobbyID, err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}
