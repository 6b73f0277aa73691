// Package readapi exposes the unread-tracking REST surface: per-lobby unread
// counts, team-level unread indicators, and watermark advancement.
//
// Realtime traffic stays on the websocket gateway; this API exists for badge
// rendering and catch-up flows where a stateless request is cheaper than a
// socket round-trip.
package readapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Martinlmb3/TeamTalk/cmd/internal/chat"
	"github.com/Martinlmb3/TeamTalk/cmd/internal/identity"
)

const maxBodyBytes = 4 << 10

// Handler serves the authenticated unread-tracking endpoints.
type Handler struct {
	log      *slog.Logger
	verifier identity.Verifier
	unread   *chat.UnreadService
}

// NewHandler constructs the read API handler.
func NewHandler(log *slog.Logger, verifier identity.Verifier, unread *chat.UnreadService) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, verifier: verifier, unread: unread}
}

// Register wires the read API routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /api/unread", h.withAuth(h.handleUnreadAll))
	mux.HandleFunc("GET /api/unread/{lobbyID}", h.withAuth(h.handleUnreadLobby))
	mux.HandleFunc("GET /api/teams/{teamID}/unread", h.withAuth(h.handleTeamUnread))
	mux.HandleFunc("POST /api/lobbies/{lobbyID}/read", h.withAuth(h.handleMarkRead))
}

// withAuth resolves the bearer token to a verified user id before calling next.
func (h *Handler) withAuth(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid bearer token")
			return
		}
		next(w, r, userID)
	}
}

func (h *Handler) authenticate(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return "", identity.ErrUnverified
	}

	id, err := h.verifier.Verify(r.Context(), strings.TrimSpace(token))
	if err != nil {
		return "", err
	}
	return id.UserID, nil
}

type unreadAllResponse struct {
	Unread map[string]int `json:"unread"`
}

func (h *Handler) handleUnreadAll(w http.ResponseWriter, r *http.Request, userID string) {
	counts, err := h.unread.UnreadCounts(r.Context(), userID)
	if err != nil {
		h.fail(w, r.Context(), "readapi.unread_all.fail", err)
		return
	}
	if counts == nil {
		counts = map[string]int{}
	}
	writeJSON(w, http.StatusOK, unreadAllResponse{Unread: counts})
}

type unreadLobbyResponse struct {
	LobbyID string `json:"lobby_id"`
	Unread  int    `json:"unread"`
}

func (h *Handler) handleUnreadLobby(w http.ResponseWriter, r *http.Request, userID string) {
	lobbyID := r.PathValue("lobbyID")
	if lobbyID == "" {
		writeError(w, http.StatusBadRequest, "validation", "missing lobby id")
		return
	}

	n, err := h.unread.UnreadCount(r.Context(), userID, lobbyID)
	if err != nil {
		h.fail(w, r.Context(), "readapi.unread_lobby.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, unreadLobbyResponse{LobbyID: lobbyID, Unread: n})
}

type teamUnreadResponse struct {
	TeamID    string `json:"team_id"`
	HasUnread bool   `json:"has_unread"`
}

func (h *Handler) handleTeamUnread(w http.ResponseWriter, r *http.Request, userID string) {
	teamID := r.PathValue("teamID")
	if teamID == "" {
		writeError(w, http.StatusBadRequest, "validation", "missing team id")
		return
	}

	has, err := h.unread.HasUnreadInTeam(r.Context(), userID, teamID)
	if err != nil {
		h.fail(w, r.Context(), "readapi.team_unread.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, teamUnreadResponse{TeamID: teamID, HasUnread: has})
}

type markReadRequest struct {
	UpToMessageID *string `json:"up_to_message_id"`
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request, userID string) {
	lobbyID := r.PathValue("lobbyID")
	if lobbyID == "" {
		writeError(w, http.StatusBadRequest, "validation", "missing lobby id")
		return
	}

	var req markReadRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
			return
		}
	}

	if err := h.unread.MarkRead(r.Context(), userID, lobbyID, req.UpToMessageID); err != nil {
		h.fail(w, r.Context(), "readapi.mark_read.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, ctx context.Context, event string, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, chat.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	default:
		h.log.LogAttrs(ctx, slog.LevelError, event, slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
