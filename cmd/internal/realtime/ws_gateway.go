package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/HuuThai2910/wisdom-social/cmd/internal/auth/token"
	"github.com/HuuThai2910/wisdom-social/cmd/internal/chat"
	"github.com/HuuThai2910/wisdom-social/cmd/internal/metrics"
	v1 "github.com/HuuThai2910/wisdom-social/shared/contracts/realtime/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsDefaultHelloTimeout = 10 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Origin is required by default and only localhost is allowed.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// ChatService is the messaging core the gateway routes client envelopes to.
type ChatService interface {
	SendMessage(ctx context.Context, in chat.SendMessageInput) (chat.MessageView, error)
	FetchHistory(ctx context.Context, in chat.FetchHistoryInput) (chat.Page, error)
	MarkAsRead(ctx context.Context, conversationID, userID string) error
	Authorize(ctx context.Context, conversationID, userID string) error
}

// WSGateway is the WebSocket entrypoint for realtime delivery.
//
// It enforces origin policy, subprotocol selection, authentication, topic
// ACLs, rate limits and heartbeats, and routes validated envelopes to the
// chat service and the Hub.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	chat     ChatService
	verifier token.Verifier
	devAuth  bool
	now      func() time.Time

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks: same-host origins pass by
	// default, cross-origin ones need OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	helloTimeout    time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// GatewayOption overrides a gateway setting after env defaults are applied.
type GatewayOption func(*WSGateway)

// WithVerifier authenticates hello tokens as PASETO access tokens.
func WithVerifier(v token.Verifier) GatewayOption {
	return func(g *WSGateway) { g.verifier = v }
}

// WithDevAuth accepts the hello token verbatim as the user id when no verifier is set.
func WithDevAuth(enabled bool) GatewayOption {
	return func(g *WSGateway) { g.devAuth = enabled }
}

// WithOriginPolicy replaces the origin allowlist.
func WithOriginPolicy(required bool, allowed []string) GatewayOption {
	return func(g *WSGateway) {
		g.originRequired = required
		g.allowedOrigins = allowed
		g.originPatterns = deriveOriginPatternsFromAllowedOrigins(allowed)
	}
}

// WithRateLimit sets the per-connection event budget.
func WithRateLimit(events int, window time.Duration) GatewayOption {
	return func(g *WSGateway) {
		if events > 0 {
			g.rateEvents = events
		}
		if window > 0 {
			g.rateWindow = window
		}
	}
}

// NewWSGateway constructs a gateway with secure defaults read from WISDOM_WS_* env keys.
func NewWSGateway(log *slog.Logger, hub *Hub, svc ChatService, opts ...GatewayOption) (*WSGateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if svc == nil {
		return nil, errors.New("realtime: nil chat service")
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &WSGateway{log: log, hub: hub, chat: svc, now: time.Now}

	// InsecureSkipVerify disables websocket.Accept's own origin check. Dev only.
	g.devInsecure = envBoolWS("WISDOM_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("WISDOM_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("WISDOM_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("WISDOM_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("WISDOM_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.helloTimeout = envDurationWS("WISDOM_WS_HELLO_TIMEOUT", wsDefaultHelloTimeout)

	g.sendQueueSize = envIntWS("WISDOM_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("WISDOM_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("WISDOM_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("WISDOM_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("WISDOM_WS_RATE_WINDOW", rateLimitWindow)

	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.verifier == nil && !g.devAuth {
		return nil, errors.New("realtime: no authentication configured")
	}
	return g, nil
}

// Hub returns the topic registry served by this gateway.
func (g *WSGateway) Hub() *Hub { return g.hub }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// session is the per-connection state owned by the read loop.
type session struct {
	client *Client
	userID string
}

func (s *session) authenticated() bool { return s.userID != "" }

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	sess := &session{client: NewClient("", NewSessionID(g.now()), g.sendQueueSize)}
	client := sess.client

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. Subscriptions are removed before the client is
	// closed so broadcasters never hold a closing client.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.UnsubscribeAll(client.SessionID)
			client.Close()
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
					g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
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
					g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
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
		idle := g.readIdleTimeout
		if !sess.authenticated() {
			idle = g.helloTimeout
		}
		readCtx, readCancel := context.WithTimeout(ctx, idle)
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
				g.sendError(ctx, client, v1.CodeBadRequest, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", client.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(g.now()) {
			g.writeFatal(ctx, conn, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(ctx, client, v1.CodeBadRequest, err.Error())
			continue readLoop
		}

		if env.Type == v1.TypeHello {
			if sess.authenticated() {
				g.sendError(ctx, client, v1.CodeBadRequest, "already authenticated")
				continue readLoop
			}
			if err := g.onHello(ctx, sess, env); err != nil {
				g.writeFatal(ctx, conn, v1.CodeUnauthorized, err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			continue readLoop
		}

		if !sess.authenticated() {
			g.sendError(ctx, client, v1.CodeUnauthorized, "hello first")
			continue readLoop
		}

		var herr error
		switch env.Type {
		case v1.TypeSubscribe:
			herr = g.onSubscribe(ctx, sess, env)
		case v1.TypeUnsubscribe:
			herr = g.onUnsubscribe(ctx, sess, env)
		case v1.TypeMessageSend:
			herr = g.onMessageSend(ctx, sess, env)
		case v1.TypeHistoryFetch:
			herr = g.onHistoryFetch(ctx, sess, env)
		case v1.TypeMarkRead:
			herr = g.onMarkRead(ctx, sess, env)
		default:
			herr = &protoError{code: v1.CodeBadRequest, msg: fmt.Sprintf("unsupported type: %s", env.Type)}
		}
		if herr != nil {
			code, msg := errorCode(herr)
			if code == v1.CodeInternal || code == v1.CodeUnavailable {
				g.log.Warn("ws.handler.fail", "session_id", client.SessionID, "user_id", sess.userID, "type", env.Type, "err", herr)
			}
			g.sendError(ctx, client, code, msg)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) authenticate(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("missing token")
	}
	if g.verifier != nil {
		claims, err := g.verifier.Verify(raw, g.now())
		if err != nil {
			return "", errors.New("invalid token")
		}
		return claims.UserID, nil
	}
	if g.devAuth {
		return raw, nil
	}
	return "", errors.New("authentication unavailable")
}

func (g *WSGateway) onHello(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	userID, err := g.authenticate(p.Token)
	if err != nil {
		g.log.Info("ws.hello.reject", "session_id", sess.client.SessionID, "err", err)
		return err
	}

	sess.userID = userID
	sess.client.UserID = userID

	userTopic := v1.UserTopic(userID)
	g.hub.Subscribe(userTopic, sess.client)

	if !g.reply(ctx, sess.client, v1.TypeHelloAck, "", v1.HelloAckPayload{
		SessionID: sess.client.SessionID,
		UserID:    userID,
		UserTopic: userTopic,
	}) {
		return errors.New("backpressure: hello_ack")
	}

	g.log.Info("ws.hello.ok", "session_id", sess.client.SessionID, "user_id", userID)
	return nil
}

func (g *WSGateway) onSubscribe(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return badRequest("invalid payload")
	}
	topic := strings.TrimSpace(p.Topic)

	if uid, ok := v1.ParseUserTopic(topic); ok {
		if uid != sess.userID {
			return &protoError{code: v1.CodeForbidden, msg: "cannot subscribe to another user's topic"}
		}
	} else if convID, ok := v1.ParseConversationTopic(topic); ok {
		if err := g.chat.Authorize(ctx, convID, sess.userID); err != nil {
			return err
		}
	} else {
		return badRequest("unknown topic")
	}

	g.hub.Subscribe(topic, sess.client)
	g.reply(ctx, sess.client, v1.TypeSubscribed, topic, v1.SubscribedPayload{Topic: topic})
	return nil
}

func (g *WSGateway) onUnsubscribe(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return badRequest("invalid payload")
	}
	topic := strings.TrimSpace(p.Topic)
	if topic == "" {
		return badRequest("missing topic")
	}

	g.hub.Unsubscribe(topic, sess.client.SessionID)
	g.reply(ctx, sess.client, v1.TypeUnsubscribed, topic, v1.SubscribedPayload{Topic: topic})
	return nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return badRequest("invalid payload")
	}

	v, err := g.chat.SendMessage(ctx, chat.SendMessageInput{
		ConversationID: p.ConversationID,
		SenderID:       sess.userID,
		Content:        p.Content,
		Kind:           p.Kind,
		ReplyTo:        p.ReplyTo,
	})
	if err != nil {
		return err
	}

	if !g.reply(ctx, sess.client, v1.TypeMessageAck, "", v1.MessageAckPayload{
		ConversationID: v.ConversationID,
		ClientMsgID:    p.ClientMsgID,
		MessageID:      v.ID,
		CreatedAt:      v.CreatedAt,
	}) {
		g.log.Info("ws.ack.dropped", "session_id", sess.client.SessionID, "message_id", v.ID)
	}
	return nil
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return badRequest("invalid payload")
	}

	page, err := g.chat.FetchHistory(ctx, chat.FetchHistoryInput{
		ConversationID: p.ConversationID,
		RequesterID:    sess.userID,
		Before:         p.Before,
		Limit:          p.Limit,
	})
	if err != nil {
		return err
	}

	msgs := make([]v1.MessagePayload, 0, len(page.Messages))
	for _, m := range page.Messages {
		msgs = append(msgs, viewPayload(m))
	}

	if !g.reply(ctx, sess.client, v1.TypeHistoryChunk, "", v1.HistoryChunkPayload{
		ConversationID: p.ConversationID,
		Messages:       msgs,
		NextCursor:     page.NextCursor,
		HasNext:        page.HasNext,
	}) {
		return &protoError{code: v1.CodeUnavailable, msg: "backpressure: history_chunk"}
	}
	return nil
}

func (g *WSGateway) onMarkRead(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.MarkReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return badRequest("invalid payload")
	}
	return g.chat.MarkAsRead(ctx, p.ConversationID, sess.userID)
}

// ---- errors ----

type protoError struct {
	code string
	msg  string
}

func (e *protoError) Error() string { return e.code + ": " + e.msg }

func badRequest(msg string) error { return &protoError{code: v1.CodeBadRequest, msg: msg} }

// errorCode maps handler errors onto wire codes. Store details never leak to clients.
func errorCode(err error) (code, msg string) {
	var pe *protoError
	switch {
	case errors.As(err, &pe):
		return pe.code, pe.msg
	case chat.IsInvalidInput(err):
		var op chat.OpError
		if errors.As(err, &op) && op.Msg != "" {
			return v1.CodeBadRequest, op.Msg
		}
		return v1.CodeBadRequest, "invalid input"
	case chat.IsNotAMember(err):
		return v1.CodeNotAMember, "not a member of this conversation"
	case chat.IsNotFound(err):
		return v1.CodeNotFound, "conversation not found"
	case chat.IsStoreUnavailable(err):
		return v1.CodeUnavailable, "temporarily unavailable"
	default:
		return v1.CodeInternal, "internal error"
	}
}

// ---- send helpers ----

func (g *WSGateway) reply(ctx context.Context, client *Client, typ, topic string, payload any) bool {
	env, err := newEnvelope(typ, topic, payload, g.now().UTC())
	if err != nil {
		g.log.Error("ws.encode.fail", "type", typ, "err", err)
		return false
	}
	return enqueue(ctx, client, env)
}

func (g *WSGateway) sendError(ctx context.Context, client *Client, code, msg string) {
	_ = g.reply(ctx, client, v1.TypeError, "", v1.ErrorPayload{Code: code, Message: msg})
}

// writeFatal writes an error directly, bypassing the send queue, for errors
// that are followed by closing the connection.
func (g *WSGateway) writeFatal(ctx context.Context, conn *websocket.Conn, code, msg string) {
	env, err := newEnvelope(v1.TypeError, "", v1.ErrorPayload{Code: code, Message: msg}, g.now().UTC())
	if err != nil {
		return
	}
	if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
		g.log.Info("ws.write.fail", "code", code, "err", err)
	}
}

func enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return client.offer(env)
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
	var bad *badJSONError
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins extracts the hosts websocket.Accept
// matches origins against.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
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
