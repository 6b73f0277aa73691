// Package chatclient is a Go client for the TeamTalk realtime gateway.
//
// It speaks protocol v1 over a websocket, dispatches server events to
// caller-provided handlers, and transparently reconnects with backoff,
// re-joining previously joined lobbies after each successful reconnect.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	v1 "github.com/Martinlmb3/TeamTalk/contracts/chat/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	subprotocolV1 = "teamtalk.chat.v1"

	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second

	// DefaultMaxReconnectAttempts bounds consecutive failed reconnects
	// before the client gives up and reports a terminal disconnect.
	DefaultMaxReconnectAttempts = 5
)

// ErrClosed is returned by operations on a client that has been closed.
var ErrClosed = errors.New("chatclient: closed")

// Handlers are the caller's event callbacks. Nil fields are skipped.
// Callbacks run on the client's read goroutine; long work should be handed off.
type Handlers struct {
	OnHelloAck          func(v1.HelloAckPayload)
	OnLobbyJoined       func(v1.LobbyJoinedPayload)
	OnUserJoined        func(v1.UserJoinedPayload)
	OnUserLeft          func(v1.UserLeftPayload)
	OnLobbyMessage      func(v1.LobbyMessagePayload)
	OnMessageAck        func(v1.MessageAckPayload)
	OnDirectMessage     func(v1.DirectMessagePayload)
	OnDirectMessageSent func(v1.DirectMessagePayload)
	OnUserTyping        func(v1.UserTypingPayload)
	OnUserTypingDirect  func(v1.UserTypingDirectPayload)
	OnMessageRead       func(v1.MessageReadPayload)
	OnDirectMessageRead func(v1.DirectMessageReadPayload)
	OnHistoryChunk      func(v1.LobbyHistoryChunkPayload)
	OnError             func(v1.ErrorPayload)

	// OnReconnecting fires before each reconnect attempt (0-based).
	OnReconnecting func(attempt int)
	// OnReconnected fires after a successful reconnect and lobby re-join.
	OnReconnected func()
	// OnClosed fires once when the client stops for good; err is nil on
	// a caller-initiated Close.
	OnClosed func(err error)
}

// Options configure Dial.
type Options struct {
	// URL of the gateway websocket endpoint, e.g. "ws://host:8080/ws".
	URL string
	// Token is the bearer token presented at upgrade time.
	Token string

	Handlers Handlers

	// MaxReconnectAttempts bounds consecutive failed reconnects.
	// Zero means DefaultMaxReconnectAttempts; negative disables reconnecting.
	MaxReconnectAttempts int

	Logger *slog.Logger

	// HTTPClient overrides the dialer's HTTP client (tests).
	HTTPClient *http.Client
}

// Client is a reconnecting gateway client. All exported methods are safe for
// concurrent use.
type Client struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	joined map[string]struct{}
	closed bool

	done chan struct{}
}

// Dial connects to the gateway, performs the hello handshake, and starts the
// event loop. The returned client keeps running until Close or until
// reconnecting is exhausted.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("chatclient: missing URL")
	}
	if opts.Token == "" {
		return nil, errors.New("chatclient: missing token")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	c := &Client{
		opts:   opts,
		log:    opts.Logger,
		joined: make(map[string]struct{}),
		done:   make(chan struct{}),
	}

	conn, err := c.dialOnce(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	go c.run(context.WithoutCancel(ctx))
	return c, nil
}

// Close stops the client and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	<-c.done
	return nil
}

// ---- typed operations ----

// JoinLobby subscribes this connection to a lobby and remembers it for
// re-join after reconnects.
func (c *Client) JoinLobby(ctx context.Context, lobbyID string) error {
	if err := c.send(ctx, v1.TypeLobbyJoin, v1.LobbyJoinPayload{LobbyID: lobbyID}); err != nil {
		return err
	}
	c.mu.Lock()
	c.joined[lobbyID] = struct{}{}
	c.mu.Unlock()
	return nil
}

// LeaveLobby unsubscribes from a lobby and forgets it for re-join purposes.
func (c *Client) LeaveLobby(ctx context.Context, lobbyID string) error {
	c.mu.Lock()
	delete(c.joined, lobbyID)
	c.mu.Unlock()
	return c.send(ctx, v1.TypeLobbyLeave, v1.LobbyLeavePayload{LobbyID: lobbyID})
}

// SendLobbyMessage sends a message into a lobby. The generated client message
// id is returned so the caller can correlate the eventual ack.
func (c *Client) SendLobbyMessage(ctx context.Context, lobbyID, content string) (string, error) {
	clientMsgID := uuid.NewString()
	err := c.send(ctx, v1.TypeLobbyMessageSend, v1.LobbyMessageSendPayload{
		LobbyID:     lobbyID,
		ClientMsgID: clientMsgID,
		Content:     content,
	})
	return clientMsgID, err
}

// SendDirectMessage sends a direct message to another user.
func (c *Client) SendDirectMessage(ctx context.Context, receiverID, content string) (string, error) {
	clientMsgID := uuid.NewString()
	err := c.send(ctx, v1.TypeDirectMessageSend, v1.DirectMessageSendPayload{
		ReceiverID:  receiverID,
		ClientMsgID: clientMsgID,
		Content:     content,
	})
	return clientMsgID, err
}

// SetLobbyTyping reports the caller's typing state in a lobby.
func (c *Client) SetLobbyTyping(ctx context.Context, lobbyID string, isTyping bool) error {
	return c.send(ctx, v1.TypeLobbyTyping, v1.LobbyTypingPayload{LobbyID: lobbyID, IsTyping: isTyping})
}

// SetDirectTyping reports the caller's typing state toward a receiver.
func (c *Client) SetDirectTyping(ctx context.Context, receiverID string, isTyping bool) error {
	return c.send(ctx, v1.TypeDirectTyping, v1.DirectTypingPayload{ReceiverID: receiverID, IsTyping: isTyping})
}

// MarkMessageRead records a read receipt for a lobby message.
func (c *Client) MarkMessageRead(ctx context.Context, messageID string) error {
	return c.send(ctx, v1.TypeMessageMarkRead, v1.MessageMarkReadPayload{MessageID: messageID})
}

// MarkDirectMessageRead marks a direct message as read.
func (c *Client) MarkDirectMessageRead(ctx context.Context, messageID string) error {
	return c.send(ctx, v1.TypeDirectMessageMarkRead, v1.DirectMessageMarkReadPayload{MessageID: messageID})
}

// FetchLobbyHistory requests a window of lobby history after the given id.
func (c *Client) FetchLobbyHistory(ctx context.Context, lobbyID string, afterID *string, limit int) error {
	return c.send(ctx, v1.TypeLobbyHistoryFetch, v1.LobbyHistoryFetchPayload{
		LobbyID: lobbyID,
		AfterID: afterID,
		Limit:   limit,
	})
}

// ---- internals ----

func (c *Client) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+c.opts.Token)

	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{
		Subprotocols: []string{subprotocolV1},
		HTTPHeader:   hdr,
		HTTPClient:   c.opts.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("chatclient: dial: %w", err)
	}

	if err := writeEnvelope(ctx, conn, newEnvelope(v1.TypeHello, v1.HelloPayload{})); err != nil {
		_ = conn.Close(websocket.StatusAbnormalClosure, "hello failed")
		return nil, fmt.Errorf("chatclient: hello: %w", err)
	}
	return conn, nil
}

// run is the read loop plus reconnect driver.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for {
		err := c.readLoop(ctx)

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			c.notifyClosed(nil)
			return
		}

		if c.opts.MaxReconnectAttempts < 0 {
			c.notifyClosed(err)
			return
		}

		if err := c.reconnect(ctx); err != nil {
			// A caller-initiated Close during reconnect is not a failure.
			if errors.Is(err, ErrClosed) {
				c.notifyClosed(nil)
			} else {
				c.notifyClosed(err)
			}
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Debug("chatclient.envelope.bad_json", "err", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	for attempt := 0; attempt < c.opts.MaxReconnectAttempts; attempt++ {
		if h := c.opts.Handlers.OnReconnecting; h != nil {
			h(attempt)
		}

		delay := ReconnectDelay(attempt)
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		c.mu.Unlock()

		conn, err := c.dialOnce(ctx)
		if err != nil {
			c.log.Info("chatclient.reconnect.fail", "attempt", attempt, "err", err)
			continue
		}

		c.mu.Lock()
		// Close may have landed while the dial was in flight; installing the
		// fresh connection now would keep the read loop alive and leave Close
		// blocked on done forever.
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return ErrClosed
		}
		c.conn = conn
		lobbies := make([]string, 0, len(c.joined))
		for id := range c.joined {
			lobbies = append(lobbies, id)
		}
		c.mu.Unlock()

		// Topic subscriptions die with the old connection; re-join every
		// lobby the caller had joined.
		for _, lobbyID := range lobbies {
			if err := c.send(ctx, v1.TypeLobbyJoin, v1.LobbyJoinPayload{LobbyID: lobbyID}); err != nil {
				c.log.Info("chatclient.rejoin.fail", "lobby_id", lobbyID, "err", err)
			}
		}

		c.log.Info("chatclient.reconnected", "attempt", attempt, "rejoined", len(lobbies))
		if h := c.opts.Handlers.OnReconnected; h != nil {
			h()
		}
		return nil
	}

	return fmt.Errorf("chatclient: reconnect attempts exhausted (%d)", c.opts.MaxReconnectAttempts)
}

func (c *Client) send(ctx context.Context, typ string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		return ErrClosed
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("chatclient: marshal %s: %w", typ, err)
	}

	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Payload: raw,
	}
	return writeEnvelope(ctx, c.conn, env)
}

func (c *Client) dispatch(env v1.Envelope) {
	h := c.opts.Handlers

	switch env.Type {
	case v1.TypeHelloAck:
		dispatchPayload(c.log, env, h.OnHelloAck)
	case v1.TypeLobbyJoined:
		dispatchPayload(c.log, env, h.OnLobbyJoined)
	case v1.TypeUserJoined:
		dispatchPayload(c.log, env, h.OnUserJoined)
	case v1.TypeUserLeft:
		dispatchPayload(c.log, env, h.OnUserLeft)
	case v1.TypeLobbyMessage:
		dispatchPayload(c.log, env, h.OnLobbyMessage)
	case v1.TypeMessageAck:
		dispatchPayload(c.log, env, h.OnMessageAck)
	case v1.TypeDirectMessage:
		dispatchPayload(c.log, env, h.OnDirectMessage)
	case v1.TypeDirectMessageSent:
		dispatchPayload(c.log, env, h.OnDirectMessageSent)
	case v1.TypeUserTyping:
		dispatchPayload(c.log, env, h.OnUserTyping)
	case v1.TypeUserTypingDirect:
		dispatchPayload(c.log, env, h.OnUserTypingDirect)
	case v1.TypeMessageRead:
		dispatchPayload(c.log, env, h.OnMessageRead)
	case v1.TypeDirectMessageRead:
		dispatchPayload(c.log, env, h.OnDirectMessageRead)
	case v1.TypeLobbyHistoryChunk:
		dispatchPayload(c.log, env, h.OnHistoryChunk)
	case v1.TypeError:
		dispatchPayload(c.log, env, h.OnError)
	default:
		c.log.Debug("chatclient.envelope.unhandled", "type", env.Type)
	}
}

func (c *Client) notifyClosed(err error) {
	if h := c.opts.Handlers.OnClosed; h != nil {
		h(err)
	}
}

func dispatchPayload[T any](log *slog.Logger, env v1.Envelope, h func(T)) {
	if h == nil {
		return
	}
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Debug("chatclient.payload.bad_json", "type", env.Type, "err", err)
		return
	}
	h(p)
}

func newEnvelope(typ string, payload any) v1.Envelope {
	raw, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Payload: raw,
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env v1.Envelope) error {
	wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(wctx, websocket.MessageText, b)
}
