// Package main provides a CI-friendly WebSocket smoke test for the TeamTalk
// gateway.
//
// It validates:
//   - handshake + subprotocol selection + bearer auth
//   - hello/ack session establishment
//   - lobby join echo and presence signal
//   - send -> ack
//   - fanout lobby_message to another member
//   - read receipt notification back to the sender
//   - idempotent dedupe by client_msg_id
//   - direct message delivery and read notification
//   - history fetch
//
// It expects a server seeded with users "alice" and "bob" sharing a lobby
// (the in-memory dev seed) and TEAMTALK_AUTH_DEV_INSECURE=true, unless real
// tokens are passed via flags.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "github.com/Martinlmb3/TeamTalk/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "teamtalk.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		lobbyID = flag.String("lobby", "general", "Lobby ID to join")
		tokenA  = flag.String("token-a", "alice", "Bearer token for client A")
		tokenB  = flag.String("token-b", "bob", "Bearer token for client B")
		text    = flag.String("text", "hello teamtalk 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s(%s) B=%s(%s) origin=%q\n", a.sessionID, a.userID, b.sessionID, b.userID, *origin)
	}

	mustJoin(root, a, *lobbyID, *timeout)
	mustJoin(root, b, *lobbyID, *timeout)

	// B joined after A, so A sees the presence signal.
	mustReadUserJoined(root, a, b.userID, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())

	messageID := mustSendAndAssertAck(root, a, *lobbyID, clientMsgID, *text, *timeout)

	mustAssertLobbyMessage(root, b, *lobbyID, messageID, a.userID, *text, *timeout)

	// Sender's own session is subscribed too; drain its echo.
	_ = drainOptionalType(root, a, v1.TypeLobbyMessage, 750*time.Millisecond)

	// B reads the message; A (sender) gets notified exactly once.
	mustMarkRead(root, b, messageID, *timeout)
	mustAssertMessageRead(root, a, messageID, b.userID, *timeout)
	mustMarkRead(root, b, messageID, *timeout)
	mustAssertNoType(root, a, v1.TypeMessageRead, 1200*time.Millisecond)

	// Dedupe: resending the same client_msg_id acks the original id and
	// triggers no second fanout.
	messageID2 := mustSendAndAssertAck(root, a, *lobbyID, clientMsgID, *text, *timeout)
	if messageID2 != messageID {
		fatalf("dedupe: message_id mismatch: first=%s second=%s", messageID, messageID2)
	}
	mustAssertNoType(root, b, v1.TypeLobbyMessage, 1200*time.Millisecond)

	// Direct messaging path.
	dmClientID := fmt.Sprintf("dm-%d", time.Now().UnixNano())
	dmID := mustSendDirect(root, a, b.userID, dmClientID, "psst", *timeout)
	mustAssertDirectMessage(root, b, dmID, a.userID, "psst", *timeout)
	mustMarkDirectRead(root, b, dmID, *timeout)
	mustAssertDirectRead(root, a, dmID, *timeout)

	mustHistoryFetchContains(root, b, *lobbyID, nil, 50, messageID, a.userID, *text, *timeout)

	fmt.Printf("OK: A=%s B=%s lobby_id=%s message_id=%s dm_id=%s\n", a.sessionID, b.sessionID, *lobbyID, messageID, dmID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{}),
	}
	mustWriteWithTimeout(parent, c.conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if strings.TrimSpace(p.UserID) == "" {
		fatalf("hello_ack missing user_id (%s)", name)
	}
	c.sessionID = p.SessionID
	c.userID = p.UserID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, lobbyID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeLobbyJoin,
		ID:      fmt.Sprintf("%s-join", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.LobbyJoinPayload{LobbyID: lobbyID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeLobbyJoined, stepTimeout, nil)

	var p v1.LobbyJoinedPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal lobby_joined payload (%s): %v", c.name, err)
	}
	if p.LobbyID != lobbyID {
		fatalf("lobby_joined lobby_id mismatch (%s): got=%q want=%q", c.name, p.LobbyID, lobbyID)
	}
}

func mustReadUserJoined(parent context.Context, c *smokeClient, wantUserID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeUserJoined, stepTimeout, nil)

	var p v1.UserJoinedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal user_joined payload (%s): %v", c.name, err)
	}
	if p.UserID != wantUserID {
		fatalf("user_joined user_id mismatch (%s): got=%q want=%q", c.name, p.UserID, wantUserID)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, lobbyID, clientMsgID, text string, stepTimeout time.Duration) string {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeLobbyMessageSend,
		ID:   fmt.Sprintf("%s-send-%s", c.name, clientMsgID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.LobbyMessageSendPayload{
			LobbyID:     lobbyID,
			ClientMsgID: clientMsgID,
			Content:     text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeLobbyMessage: {}}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.LobbyID != lobbyID {
		fatalf("ack lobby_id mismatch (%s): got=%q want=%q", c.name, p.LobbyID, lobbyID)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("ack missing message_id (%s)", c.name)
	}
	return p.MessageID
}

func mustAssertLobbyMessage(parent context.Context, c *smokeClient, lobbyID, messageID, senderID, text string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeUserJoined: {}}
	env := c.mustReadUntilType(parent, v1.TypeLobbyMessage, stepTimeout, skip)

	var p v1.LobbyMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal lobby_message payload (%s): %v", c.name, err)
	}

	if p.LobbyID != lobbyID {
		fatalf("lobby_message lobby_id mismatch (%s): got=%q want=%q", c.name, p.LobbyID, lobbyID)
	}
	if p.ID != messageID {
		fatalf("lobby_message id mismatch (%s): got=%q want=%q", c.name, p.ID, messageID)
	}
	if p.UserID != senderID {
		fatalf("lobby_message user_id mismatch (%s): got=%q want=%q", c.name, p.UserID, senderID)
	}
	if p.Content != text {
		fatalf("lobby_message content mismatch (%s): got=%q want=%q", c.name, p.Content, text)
	}
	if p.SentAt.IsZero() {
		fatalf("lobby_message sent_at missing/zero (%s)", c.name)
	}
}

func mustMarkRead(parent context.Context, c *smokeClient, messageID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessageMarkRead,
		ID:      fmt.Sprintf("%s-read-%s", c.name, messageID),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.MessageMarkReadPayload{MessageID: messageID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertMessageRead(parent context.Context, c *smokeClient, messageID, readerID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageRead, stepTimeout, nil)

	var p v1.MessageReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_read payload (%s): %v", c.name, err)
	}
	if p.MessageID != messageID {
		fatalf("message_read id mismatch (%s): got=%q want=%q", c.name, p.MessageID, messageID)
	}
	if p.ReadByUserID != readerID {
		fatalf("message_read reader mismatch (%s): got=%q want=%q", c.name, p.ReadByUserID, readerID)
	}
}

func mustSendDirect(parent context.Context, c *smokeClient, receiverID, clientMsgID, text string, stepTimeout time.Duration) string {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeDirectMessageSend,
		ID:   fmt.Sprintf("%s-dm-%s", c.name, clientMsgID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.DirectMessageSendPayload{
			ReceiverID:  receiverID,
			ClientMsgID: clientMsgID,
			Content:     text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	sent := c.mustReadUntilType(parent, v1.TypeDirectMessageSent, stepTimeout, nil)

	var p v1.DirectMessagePayload
	if err := json.Unmarshal(sent.Payload, &p); err != nil {
		fatalf("unmarshal direct_message_sent payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.ID) == "" {
		fatalf("direct_message_sent missing id (%s)", c.name)
	}
	return p.ID
}

func mustAssertDirectMessage(parent context.Context, c *smokeClient, dmID, senderID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeDirectMessage, stepTimeout, nil)

	var p v1.DirectMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal direct_message payload (%s): %v", c.name, err)
	}
	if p.ID != dmID {
		fatalf("direct_message id mismatch (%s): got=%q want=%q", c.name, p.ID, dmID)
	}
	if p.SenderID != senderID {
		fatalf("direct_message sender mismatch (%s): got=%q want=%q", c.name, p.SenderID, senderID)
	}
	if p.Content != text {
		fatalf("direct_message content mismatch (%s): got=%q want=%q", c.name, p.Content, text)
	}
	if p.ReadAt != nil {
		fatalf("direct_message read_at should be null on delivery (%s)", c.name)
	}
}

func mustMarkDirectRead(parent context.Context, c *smokeClient, messageID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeDirectMessageMarkRead,
		ID:      fmt.Sprintf("%s-dmread-%s", c.name, messageID),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.DirectMessageMarkReadPayload{MessageID: messageID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertDirectRead(parent context.Context, c *smokeClient, messageID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeDirectMessageRead, stepTimeout, nil)

	var p v1.DirectMessageReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal direct_message_read payload (%s): %v", c.name, err)
	}
	if p.MessageID != messageID {
		fatalf("direct_message_read id mismatch (%s): got=%q want=%q", c.name, p.MessageID, messageID)
	}
	if p.ReadAt.IsZero() {
		fatalf("direct_message_read read_at missing/zero (%s)", c.name)
	}
}

func mustHistoryFetchContains(
	parent context.Context,
	c *smokeClient,
	lobbyID string,
	afterID *string,
	limit int,
	messageID, senderID, text string,
	stepTimeout time.Duration,
) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeLobbyHistoryFetch,
		ID:   fmt.Sprintf("%s-history-fetch", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.LobbyHistoryFetchPayload{
			LobbyID: lobbyID,
			AfterID: afterID,
			Limit:   limit,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeLobbyHistoryChunk, stepTimeout, nil)

	var p v1.LobbyHistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal lobby_history_chunk payload (%s): %v", c.name, err)
	}
	if p.LobbyID != lobbyID {
		fatalf("lobby_history_chunk lobby_id mismatch (%s): got=%q want=%q", c.name, p.LobbyID, lobbyID)
	}

	found := false
	for _, m := range p.Messages {
		if m.ID == messageID && m.LobbyID == lobbyID && m.UserID == senderID && m.Content == text && !m.SentAt.IsZero() {
			found = true
			break
		}
	}
	if !found {
		fatalf("lobby_history_chunk missing expected message (%s)", c.name)
	}
}

func drainOptionalType(parent context.Context, c *smokeClient, wantType string, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			if err != nil {
				return err
			}
			return errors.New("connection closed while draining")
		case env, ok := <-c.inbox:
			if !ok {
				return errors.New("connection closed while draining")
			}
			if env.Type == wantType {
				return nil
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
