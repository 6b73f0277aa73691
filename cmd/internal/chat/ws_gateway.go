// Package chat contains the TeamTalk realtime messaging gateway: session
// registry, topic fan-out, message persistence and read tracking.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "github.com/Martinlmb3/TeamTalk/contracts/chat/v1"
	"github.com/Martinlmb3/TeamTalk/cmd/internal/identity"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "teamtalk.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayDeps are the collaborators the gateway routes validated envelopes to.
type GatewayDeps struct {
	Verifier       identity.Verifier
	Directory      UserDirectory
	Members        MembershipStore
	Messages       MessageStore
	DirectMessages DirectMessageStore
	Receipts       ReadReceiptStore
	Metrics        *Metrics
}

// WSGateway is the WebSocket entrypoint for TeamTalk realtime.
//
// It enforces origin policy, subprotocol selection, connect-time
// authentication, rate limits and heartbeats, and routes validated envelopes
// to the hub, stores and read-tracking collaborators. Send operations are
// sequenced persist-then-notify: persistence is the durability boundary and
// fan-out is best-effort.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	registry *SessionRegistry
	deps     GatewayDeps

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
// Nil hub/registry/stores fall back to in-memory implementations for dev;
// a nil verifier falls back to the insecure dev verifier.
func NewWSGateway(log *slog.Logger, hub *Hub, registry *SessionRegistry, deps GatewayDeps) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log, deps.Metrics)
	}
	if registry == nil {
		registry = NewSessionRegistry(log, hub)
	}
	if deps.Messages == nil || deps.Members == nil || deps.Directory == nil ||
		deps.DirectMessages == nil || deps.Receipts == nil {
		mem := NewMemoryStore()
		if deps.Messages == nil {
			deps.Messages = mem
		}
		if deps.Members == nil {
			deps.Members = mem
		}
		if deps.Directory == nil {
			deps.Directory = mem
		}
		if deps.DirectMessages == nil {
			deps.DirectMessages = mem
		}
		if deps.Receipts == nil {
			deps.Receipts = mem
		}
	}
	if deps.Verifier == nil {
		log.Warn("ws.auth.dev_insecure_verifier")
		deps.Verifier = identity.InsecureVerifier{}
	}

	g := &WSGateway{log: log, hub: hub, registry: registry, deps: deps}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("TEAMTALK_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("TEAMTALK_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("TEAMTALK_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy: same-host is ok, but
	// cross-origin requires OriginPatterns. Derive the patterns from the
	// allowlist so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("TEAMTALK_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("TEAMTALK_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("TEAMTALK_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("TEAMTALK_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("TEAMTALK_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("TEAMTALK_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("TEAMTALK_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates and upgrades an HTTP request to a WebSocket session
// and runs the realtime loop. Connections without a resolvable verified
// identity are refused before the upgrade.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	user, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.unauthenticated", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}

	client := NewClient(sessionID, user.ID, user.Name, g.sendQueueSize)
	g.registry.Register(client)
	g.deps.Metrics.connectionOpened()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Unregister removes the session from every topic before client.Close,
	// which keeps Broadcast safe under concurrency.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.registry.Unregister(client)
			g.deps.Metrics.connectionClosed()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, v1.CodeValidation, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, v1.CodeValidation, err.Error())
			continue readLoop
		}

		if err := g.dispatch(ctx, client, env, now); err != nil {
			g.failOp(ctx, client, env.Type, err)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// authenticate resolves the bearer token (Authorization header or
// access_token query parameter) to a known user.
func (g *WSGateway) authenticate(r *http.Request) (User, error) {
	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			token = strings.TrimSpace(rest)
		}
	}
	if token == "" {
		return User{}, ErrUnauthenticated
	}

	id, err := g.deps.Verifier.Verify(r.Context(), token)
	if err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	user, err := g.deps.Directory.Lookup(r.Context(), id.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, fmt.Errorf("%w: unknown user %q", ErrUnauthenticated, id.UserID)
		}
		return User{}, err
	}
	return user, nil
}

// ---- dispatch ----

func (g *WSGateway) dispatch(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	switch env.Type {
	case v1.TypeHello:
		return g.onHello(ctx, client)
	case v1.TypeLobbyJoin:
		return g.onLobbyJoin(ctx, client, env, now)
	case v1.TypeLobbyLeave:
		return g.onLobbyLeave(ctx, client, env, now)
	case v1.TypeLobbyMessageSend:
		return g.onLobbyMessageSend(ctx, client, env, now)
	case v1.TypeDirectMessageSend:
		return g.onDirectMessageSend(ctx, client, env, now)
	case v1.TypeLobbyTyping:
		return g.onLobbyTyping(client, env)
	case v1.TypeDirectTyping:
		return g.onDirectTyping(client, env)
	case v1.TypeMessageMarkRead:
		return g.onMessageMarkRead(ctx, client, env, now)
	case v1.TypeDirectMessageMarkRead:
		return g.onDirectMessageMarkRead(ctx, client, env, now)
	case v1.TypeLobbyHistoryFetch:
		return g.onLobbyHistoryFetch(ctx, client, env)
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrValidation, env.Type)
	}
}

func (g *WSGateway) onHello(ctx context.Context, client *Client) error {
	ack := g.newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{
		SessionID: client.SessionID,
		UserID:    client.UserID,
	}, time.Now().UTC())

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *WSGateway) onLobbyJoin(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.LobbyJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: invalid payload: %w", ErrValidation, err)
	}

	lobbyID := strings.TrimSpace(p.LobbyID)
	if lobbyID == "" {
		return fmt.Errorf("%w: missing lobby_id", ErrValidation)
	}

	// Always re-read persisted membership; the connection's existing
	// subscriptions are never an authorization source.
	ok, err := g.deps.Members.IsMember(ctx, client.UserID, lobbyID)
	if err != nil {
		return fmt.Errorf("membership check: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: lobby %s", ErrAccessDenied, lobbyID)
	}

	topic := LobbyTopic(lobbyID)
	g.registry.Subscribe(client, topic)
	g.log.Info("lobby.join", "lobby_id", lobbyID, "user_id", client.UserID, "session_id", client.SessionID)

	echo := g.newEnvelope(v1.TypeLobbyJoined, v1.LobbyJoinedPayload{LobbyID: lobbyID}, now)
	if !g.enqueue(ctx, client, echo) {
		g.registry.Unsubscribe(client, topic)
		return errors.New("backpressure: join echo")
	}

	// Presence signal to the rest of the lobby, self excluded.
	joined := g.newEnvelope(v1.TypeUserJoined, v1.UserJoinedPayload{
		UserID:    client.UserID,
		Timestamp: now,
	}, now)
	g.hub.Topic(topic).BroadcastExcept(joined, client.SessionID)
	return nil
}

func (g *WSGateway) onLobbyLeave(_ context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.LobbyLeavePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: invalid payload: %w", ErrValidation, err)
	}

	lobbyID := strings.TrimSpace(p.LobbyID)
	if lobbyID == "" {
		return fmt.Errorf("%w: missing lobby_id", ErrValidation)
	}

	topic := LobbyTopic(lobbyID)
	g.registry.Unsubscribe(client, topic)
	g.log.Info("lobby.leave", "lobby_id", lobbyID, "user_id", client.UserID, "session_id", client.SessionID)

	// Presence only; persisted membership is unaffected.
	left := g.newEnvelope(v1.TypeUserLeft, v1.UserLeftPayload{
		UserID:    client.UserID,
		Timestamp: now,
	}, now)
	g.hub.Topic(topic).BroadcastExcept(left, client.SessionID)
	return nil
}

func (g *WSGateway) onLobbyMessageSend(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.LobbyMessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: invalid payload: %w", ErrValidation, err)
	}

	lobbyID := strings.TrimSpace(p.LobbyID)
	if lobbyID == "" {
		return fmt.Errorf("%w: missing lobby_id", ErrValidation)
	}
	if strings.TrimSpace(p.ClientMsgID) == "" {
		return fmt.Errorf("%w: missing client_msg_id", ErrValidation)
	}
	content := strings.TrimSpace(p.Content)
	if content == "" {
		return fmt.Errorf("%w: empty content", ErrValidation)
	}
	if len([]rune(content)) > maxContentChars {
		return fmt.Errorf("%w: content too long (max %d chars)", ErrValidation, maxContentChars)
	}

	// Defense in depth: a client may send without ever joining, and
	// membership may have been revoked since it joined.
	ok, err := g.deps.Members.IsMember(ctx, client.UserID, lobbyID)
	if err != nil {
		return fmt.Errorf("membership check: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: lobby %s", ErrAccessDenied, lobbyID)
	}

	res, err := g.deps.Messages.Append(ctx, AppendMessageInput{
		LobbyID:     lobbyID,
		SenderID:    client.UserID,
		ClientMsgID: p.ClientMsgID,
		Content:     content,
		Now:         now,
	})
	if err != nil {
		return fmt.Errorf("store append: %w", err)
	}
	stored := res.Stored

	ack := g.newEnvelope(v1.TypeMessageAck, v1.MessageAckPayload{
		LobbyID:     stored.LobbyID,
		ClientMsgID: stored.ClientMsgID,
		MessageID:   stored.ID,
	}, now)
	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: message ack")
	}

	if res.Duplicated {
		return nil
	}
	g.deps.Metrics.messagePersisted("lobby")

	// Fan out to every subscribed session, including the sender's other
	// sessions (multi-device echo). Best-effort from here on.
	msg := g.newEnvelope(v1.TypeLobbyMessage, v1.LobbyMessagePayload{
		ID:       stored.ID,
		LobbyID:  stored.LobbyID,
		UserID:   stored.SenderID,
		UserName: client.UserName,
		Content:  stored.Content,
		SentAt:   stored.SentAt,
	}, now)
	g.hub.Publish(LobbyTopic(lobbyID), msg)
	return nil
}

func (g *WSGateway) onDirectMessageSend(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.DirectMessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: invalid payload: %w", ErrValidation, err)
	}

	receiverID := strings.TrimSpace(p.ReceiverID)
	if receiverID == "" {
		return fmt.Errorf("%w: missing receiver_id", ErrValidation)
	}
	content := strings.TrimSpace(p.Content)
	if content == "" {
		return fmt.Errorf("%w: empty content", ErrValidation)
	}
	if len([]rune(content)) > maxContentChars {
		return fmt.Errorf("%w: content too long (max %d chars)", ErrValidation, maxContentChars)
	}

	// No membership table gates direct messaging; only receiver existence.
	if _, err := g.deps.Directory.Lookup(ctx, receiverID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: receiver %s", ErrNotFound, receiverID)
		}
		return fmt.Errorf("receiver lookup: %w", err)
	}

	res, err := g.deps.DirectMessages.AppendDirect(ctx, AppendDirectMessageInput{
		SenderID:    client.UserID,
		ReceiverID:  receiverID,
		ClientMsgID: p.ClientMsgID,
		Content:     content,
		Now:         now,
	})
	if err != nil {
		return fmt.Errorf("store append: %w", err)
	}
	dm := res.Stored

	payload := v1.DirectMessagePayload{
		ID:         dm.ID,
		SenderID:   dm.SenderID,
		SenderName: client.UserName,
		ReceiverID: dm.ReceiverID,
		Content:    dm.Content,
		SentAt:     dm.SentAt,
		ReadAt:     dm.ReadAt,
	}

	// A send retry re-confirms the stored original to the sender but must
	// not deliver the message to the receiver a second time.
	if res.Duplicated {
		g.hub.Publish(UserTopic(client.UserID), g.newEnvelope(v1.TypeDirectMessageSent, payload, now))
		return nil
	}
	g.deps.Metrics.messagePersisted("direct")

	// Deliver to every device the receiver has open, then echo the sent
	// confirmation to all of the sender's own devices.
	g.hub.Publish(UserTopic(receiverID), g.newEnvelope(v1.TypeDirectMessage, payload, now))
	g.hub.Publish(UserTopic(client.UserID), g.newEnvelope(v1.TypeDirectMessageSent, payload, now))
	return nil
}

func (g *WSGateway) onLobbyTyping(client *Client, env v1.Envelope) error {
	var p v1.LobbyTypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: invalid payload: %w", ErrValidation, err)
	}

	lobbyID := strings.TrimSpace(p.LobbyID)
	if lobbyID == "" {
		return fmt.Errorf("%w: missing lobby_id", ErrValidation)
	}

	// Fire-and-forget: no persistence and no membership re-check. A
	// non-member calling this only tells lobby subscribers a boolean.
	now := time.Now().UTC()
	sig := g.newEnvelope(v1.TypeUserTyping, v1.UserTypingPayload{
		UserID:   client.UserID,
		LobbyID:  lobbyID,
		IsTyping: p.IsTyping,
	}, now)
	g.hub.Topic(LobbyTopic(lobbyID)).BroadcastExcept(sig, client.SessionID)
	return nil
}

func (g *WSGateway) onDirectTyping(client *Client, env v1.Envelope) error {
	var p v1.DirectTypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: invalid payload: %w", ErrValidation, err)
	}

	receiverID := strings.TrimSpace(p.ReceiverID)
	if receiverID == "" {
		return fmt.Errorf("%w: missing receiver_id", ErrValidation)
	}

	now := time.Now().UTC()
	sig := g.newEnvelope(v1.TypeUserTypingDirect, v1.UserTypingDirectPayload{
		UserID:   client.UserID,
		IsTyping: p.IsTyping,
	}, now)
	g.hub.Publish(UserTopic(receiverID), sig)
	return nil
}

func (g *WSGateway) onMessageMarkRead(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.MessageMarkReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: invalid payload: %w", ErrValidation, err)
	}

	messageID := strings.TrimSpace(p.MessageID)
	if messageID == "" {
		return fmt.Errorf("%w: missing message_id", ErrValidation)
	}

	msg, err := g.deps.Messages.Get(ctx, messageID)
	if err != nil {
		return fmt.Errorf("resolve message: %w", err)
	}

	// Idempotent by construction: the uniqueness check decides whether this
	// call is the first read, and only the first read notifies the sender.
	inserted, err := g.deps.Receipts.InsertReceipt(ctx, messageID, client.UserID, now)
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	if !inserted {
		return nil
	}
	g.deps.Metrics.readReceipt()

	note := g.newEnvelope(v1.TypeMessageRead, v1.MessageReadPayload{
		MessageID:    messageID,
		ReadByUserID: client.UserID,
		ReadAt:       now,
	}, now)
	g.hub.Publish(UserTopic(msg.SenderID), note)
	return nil
}

func (g *WSGateway) onDirectMessageMarkRead(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.DirectMessageMarkReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: invalid payload: %w", ErrValidation, err)
	}

	messageID := strings.TrimSpace(p.MessageID)
	if messageID == "" {
		return fmt.Errorf("%w: missing message_id", ErrValidation)
	}

	// Receiver-only compare-and-set; sender-side or repeated calls are
	// silent no-ops per the read-once invariant.
	dm, updated, err := g.deps.DirectMessages.MarkDirectRead(ctx, messageID, client.UserID, now)
	if err != nil {
		return fmt.Errorf("mark direct read: %w", err)
	}
	if !updated {
		return nil
	}
	g.deps.Metrics.readReceipt()

	note := g.newEnvelope(v1.TypeDirectMessageRead, v1.DirectMessageReadPayload{
		MessageID: messageID,
		ReadAt:    *dm.ReadAt,
	}, now)
	g.hub.Publish(UserTopic(dm.SenderID), note)
	return nil
}

func (g *WSGateway) onLobbyHistoryFetch(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.LobbyHistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: invalid payload: %w", ErrValidation, err)
	}

	lobbyID := strings.TrimSpace(p.LobbyID)
	if lobbyID == "" {
		return fmt.Errorf("%w: missing lobby_id", ErrValidation)
	}

	ok, err := g.deps.Members.IsMember(ctx, client.UserID, lobbyID)
	if err != nil {
		return fmt.Errorf("membership check: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: lobby %s", ErrAccessDenied, lobbyID)
	}

	out, err := g.deps.Messages.FetchHistory(ctx, FetchHistoryInput{
		LobbyID: lobbyID,
		AfterID: p.AfterID,
		Limit:   p.Limit,
	})
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}

	names := make(map[string]string)
	msgs := make([]v1.LobbyMessagePayload, 0, len(out.Messages))
	for _, m := range out.Messages {
		name, seen := names[m.SenderID]
		if !seen {
			if u, err := g.deps.Directory.Lookup(ctx, m.SenderID); err == nil {
				name = u.Name
			}
			names[m.SenderID] = name
		}
		msgs = append(msgs, v1.LobbyMessagePayload{
			ID:       m.ID,
			LobbyID:  m.LobbyID,
			UserID:   m.SenderID,
			UserName: name,
			Content:  m.Content,
			SentAt:   m.SentAt,
		})
	}

	chunk := g.newEnvelope(v1.TypeLobbyHistoryChunk, v1.LobbyHistoryChunkPayload{
		LobbyID:  lobbyID,
		Messages: msgs,
		HasMore:  out.HasMore,
	}, time.Now().UTC())

	if !g.enqueue(ctx, client, chunk) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

// ---- error surface ----

// failOp maps an operation error onto the wire taxonomy and reports it to
// the calling client. The connection stays open.
func (g *WSGateway) failOp(ctx context.Context, client *Client, opType string, err error) {
	code, msg := errorCode(err)
	if code == v1.CodeInternal {
		// Log detail, surface nothing internal to the client.
		g.log.Error("ws.op.fail", "type", opType, "session_id", client.SessionID, "err", err)
		msg = "internal error"
	} else {
		g.log.Info("ws.op.reject", "type", opType, "code", code, "session_id", client.SessionID, "err", err)
	}
	g.deps.Metrics.opRejected(code)
	g.trySendError(ctx, client, code, msg)
}

func errorCode(err error) (string, string) {
	switch {
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, identity.ErrUnverified):
		return v1.CodeUnauthenticated, "unauthenticated"
	case errors.Is(err, ErrAccessDenied):
		return v1.CodeAccessDenied, "access denied"
	case errors.Is(err, ErrNotFound):
		return v1.CodeNotFound, "not found"
	case errors.Is(err, ErrValidation):
		return v1.CodeValidation, err.Error()
	default:
		return v1.CodeInternal, ""
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	env := g.newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func (g *WSGateway) newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		g.log.Error("ws.envelope.marshal.fail", "type", typ, "err", err)
		raw = []byte("{}")
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      ts,
		Payload: raw,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
