// Package v1 defines the TeamTalk realtime chat protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeLobbyJoin subscribes the session to a lobby topic (client -> server).
	TypeLobbyJoin = "lobby_join"
	// TypeLobbyJoined echoes a successful join back to the caller (server -> client).
	TypeLobbyJoined = "lobby_joined"
	// TypeLobbyLeave unsubscribes the session from a lobby topic (client -> server).
	TypeLobbyLeave = "lobby_leave"

	// TypeUserJoined is the presence signal broadcast to the rest of a lobby.
	TypeUserJoined = "user_joined"
	// TypeUserLeft is the presence signal broadcast to the rest of a lobby.
	TypeUserLeft = "user_left"

	// TypeLobbyMessageSend requests persisting and fanning out a lobby message.
	TypeLobbyMessageSend = "lobby_message_send"
	// TypeMessageAck confirms a lobby send to the calling session with the server id.
	TypeMessageAck = "message_ack"
	// TypeLobbyMessage is the fan-out of an accepted lobby message to all subscribers.
	TypeLobbyMessage = "lobby_message"

	// TypeDirectMessageSend requests persisting and delivering a direct message.
	TypeDirectMessageSend = "direct_message_send"
	// TypeDirectMessage delivers a direct message to the receiver's sessions.
	TypeDirectMessage = "direct_message"
	// TypeDirectMessageSent echoes a sent direct message to the sender's sessions.
	TypeDirectMessageSent = "direct_message_sent"

	// TypeLobbyTyping reports a typing state change in a lobby (client -> server).
	TypeLobbyTyping = "lobby_typing"
	// TypeUserTyping is the typing signal broadcast to the rest of a lobby.
	TypeUserTyping = "user_typing"
	// TypeDirectTyping reports a typing state change for a direct conversation.
	TypeDirectTyping = "direct_typing"
	// TypeUserTypingDirect is the typing signal delivered to the receiver's sessions.
	TypeUserTypingDirect = "user_typing_direct"

	// TypeMessageMarkRead records a read receipt for a lobby message (client -> server).
	TypeMessageMarkRead = "message_mark_read"
	// TypeMessageRead notifies the message sender that someone read it.
	TypeMessageRead = "message_read"
	// TypeDirectMessageMarkRead marks a direct message read by its receiver.
	TypeDirectMessageMarkRead = "direct_message_mark_read"
	// TypeDirectMessageRead notifies the sender that a direct message was read.
	TypeDirectMessageRead = "direct_message_read"

	// TypeLobbyHistoryFetch requests a window of lobby history (client -> server).
	TypeLobbyHistoryFetch = "lobby_history_fetch"
	// TypeLobbyHistoryChunk returns a window of lobby history (server -> client).
	TypeLobbyHistoryChunk = "lobby_history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes carried by ErrorPayload.Code (wire-stable).
const (
	CodeUnauthenticated = "unauthenticated"
	CodeAccessDenied    = "access_denied"
	CodeNotFound        = "not_found"
	CodeValidation      = "validation"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeLobbyJoin,
		TypeLobbyJoined,
		TypeLobbyLeave,
		TypeUserJoined,
		TypeUserLeft,
		TypeLobbyMessageSend,
		TypeMessageAck,
		TypeLobbyMessage,
		TypeDirectMessageSend,
		TypeDirectMessage,
		TypeDirectMessageSent,
		TypeLobbyTyping,
		TypeUserTyping,
		TypeDirectTyping,
		TypeUserTypingDirect,
		TypeMessageMarkRead,
		TypeMessageRead,
		TypeDirectMessageMarkRead,
		TypeDirectMessageRead,
		TypeLobbyHistoryFetch,
		TypeLobbyHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Handshake ----

// HelloPayload is sent by the client to initiate a session.
// Authentication happens at upgrade time; hello only establishes the session id.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned session id and the verified identity.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ---- Lobby membership / presence ----

// LobbyJoinPayload requests subscribing the session to a lobby topic.
type LobbyJoinPayload struct {
	LobbyID string `json:"lobby_id"`
}

// LobbyJoinedPayload echoes the joined lobby back to the caller.
type LobbyJoinedPayload struct {
	LobbyID string `json:"lobby_id"`
}

// LobbyLeavePayload requests unsubscribing the session from a lobby topic.
type LobbyLeavePayload struct {
	LobbyID string `json:"lobby_id"`
}

// UserJoinedPayload is broadcast to the other subscribers of a lobby topic.
type UserJoinedPayload struct {
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// UserLeftPayload is broadcast to the other subscribers of a lobby topic.
type UserLeftPayload struct {
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ---- Lobby messages ----

// LobbyMessageSendPayload requests sending a message into a lobby.
// ClientMsgID makes retried sends idempotent per (lobby, sender).
type LobbyMessageSendPayload struct {
	LobbyID     string `json:"lobby_id"`
	ClientMsgID string `json:"client_msg_id"`
	Content     string `json:"content"`
}

// MessageAckPayload confirms a send request with the canonical server id.
type MessageAckPayload struct {
	LobbyID     string `json:"lobby_id"`
	ClientMsgID string `json:"client_msg_id"`
	MessageID   string `json:"message_id"`
}

// LobbyMessagePayload is fanned out to every session subscribed to the lobby topic.
type LobbyMessagePayload struct {
	ID       string    `json:"id"`
	LobbyID  string    `json:"lobby_id"`
	UserID   string    `json:"user_id"`
	UserName string    `json:"user_name"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
}

// ---- Direct messages ----

// DirectMessageSendPayload requests sending a direct message.
type DirectMessageSendPayload struct {
	ReceiverID  string `json:"receiver_id"`
	ClientMsgID string `json:"client_msg_id"`
	Content     string `json:"content"`
}

// DirectMessagePayload delivers a direct message.
// The same shape is used for the sender-side direct_message_sent echo.
type DirectMessagePayload struct {
	ID         string     `json:"id"`
	SenderID   string     `json:"sender_id"`
	SenderName string     `json:"sender_name"`
	ReceiverID string     `json:"receiver_id"`
	Content    string     `json:"content"`
	SentAt     time.Time  `json:"sent_at"`
	ReadAt     *time.Time `json:"read_at"`
}

// ---- Typing indicators ----

// LobbyTypingPayload reports the caller's typing state in a lobby.
type LobbyTypingPayload struct {
	LobbyID  string `json:"lobby_id"`
	IsTyping bool   `json:"is_typing"`
}

// UserTypingPayload is broadcast to the other subscribers of a lobby topic.
// Receivers should auto-clear the signal after a bounded window (~3s)
// if no follow-up arrives.
type UserTypingPayload struct {
	UserID   string `json:"user_id"`
	LobbyID  string `json:"lobby_id"`
	IsTyping bool   `json:"is_typing"`
}

// DirectTypingPayload reports the caller's typing state toward a receiver.
type DirectTypingPayload struct {
	ReceiverID string `json:"receiver_id"`
	IsTyping   bool   `json:"is_typing"`
}

// UserTypingDirectPayload is delivered to the receiver's sessions.
type UserTypingDirectPayload struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// ---- Read receipts ----

// MessageMarkReadPayload records a read receipt for a lobby message.
type MessageMarkReadPayload struct {
	MessageID string `json:"message_id"`
}

// MessageReadPayload notifies the message sender's sessions about a read receipt.
type MessageReadPayload struct {
	MessageID    string    `json:"message_id"`
	ReadByUserID string    `json:"read_by_user_id"`
	ReadAt       time.Time `json:"read_at"`
}

// DirectMessageMarkReadPayload marks a direct message read by its receiver.
type DirectMessageMarkReadPayload struct {
	MessageID string `json:"message_id"`
}

// DirectMessageReadPayload notifies the sender's sessions about a direct read.
type DirectMessageReadPayload struct {
	MessageID string    `json:"message_id"`
	ReadAt    time.Time `json:"read_at"`
}

// ---- History ----

// LobbyHistoryFetchPayload requests lobby history after a given message id.
type LobbyHistoryFetchPayload struct {
	LobbyID string  `json:"lobby_id"`
	AfterID *string `json:"after_id,omitempty"`
	Limit   int     `json:"limit,omitempty"`
}

// LobbyHistoryChunkPayload returns a window of lobby history ordered by id ASC.
type LobbyHistoryChunkPayload struct {
	LobbyID  string                `json:"lobby_id"`
	Messages []LobbyMessagePayload `json:"messages"`
	HasMore  bool                  `json:"has_more"`
}

// ---- Errors ----

// ErrorPayload is a recoverable per-operation error; the connection stays open.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
