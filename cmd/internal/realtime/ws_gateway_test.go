package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/HuuThai2910/wisdom-social/cmd/internal/auth/token"
	"github.com/HuuThai2910/wisdom-social/cmd/internal/chat"
	v1 "github.com/HuuThai2910/wisdom-social/shared/contracts/realtime/v1"
)

const (
	alice = "u-alice"
	bob   = "u-bob"
	dave  = "u-dave"
	conv  = "c1"
)

type gatewayFixture struct {
	srv   *httptest.Server
	store *chat.MemoryStore
	svc   *chat.Service
	hub   *Hub
}

func newGatewayFixture(t *testing.T, opts ...GatewayOption) *gatewayFixture {
	t.Helper()

	ctx := context.Background()
	store := chat.NewMemoryStore()
	for _, u := range []chat.User{{ID: alice, Username: "alice"}, {ID: bob, Username: "bob"}, {ID: dave, Username: "dave"}} {
		if err := store.CreateUser(ctx, u); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	if err := store.CreateConversation(ctx, chat.CreateConversationInput{
		ID:      conv,
		Type:    chat.ConversationGroup,
		Name:    "weekend",
		Members: []chat.NewMember{{UserID: alice}, {UserID: bob}},
	}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	log := discardLogger()
	hub := NewHub(log)
	fan := NewFanout(log, hub)
	fan.Start()
	t.Cleanup(fan.Close)

	svc, err := chat.NewService(store, chat.WithPublisher(fan), chat.WithLogger(log))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	base := []GatewayOption{WithDevAuth(true), WithOriginPolicy(false, nil)}
	gw, err := NewWSGateway(log, hub, svc, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return &gatewayFixture{srv: srv, store: store, svc: svc, hub: hub}
}

func (f *gatewayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http"), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, _ := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, ID: NewEnvelopeID(time.Now()), TS: time.Now().UTC(), Payload: raw})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func read(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

// readTypes reads until one envelope of every listed type has arrived.
func readTypes(t *testing.T, conn *websocket.Conn, types ...string) map[string]v1.Envelope {
	t.Helper()

	want := make(map[string]bool, len(types))
	for _, typ := range types {
		want[typ] = true
	}
	got := make(map[string]v1.Envelope, len(types))
	for len(got) < len(want) {
		env := read(t, conn)
		if env.Type == v1.TypeError {
			t.Fatalf("unexpected error envelope: %s", env.Payload)
		}
		if want[env.Type] {
			got[env.Type] = env
		}
	}
	return got
}

func decode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return out
}

func expectError(t *testing.T, conn *websocket.Conn, code string) {
	t.Helper()
	env := read(t, conn)
	if env.Type != v1.TypeError {
		t.Fatalf("got %s want error(%s)", env.Type, code)
	}
	if p := decode[v1.ErrorPayload](t, env); p.Code != code {
		t.Fatalf("error code=%q want %q (%s)", p.Code, code, p.Message)
	}
}

func hello(t *testing.T, conn *websocket.Conn, tok string) v1.HelloAckPayload {
	t.Helper()
	send(t, conn, v1.TypeHello, v1.HelloPayload{Token: tok})
	env := read(t, conn)
	if env.Type != v1.TypeHelloAck {
		t.Fatalf("got %s (%s) want hello_ack", env.Type, env.Payload)
	}
	return decode[v1.HelloAckPayload](t, env)
}

func TestGateway_HelloSubscribesUserTopic(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t)

	ack := hello(t, conn, alice)
	if ack.UserID != alice || ack.UserTopic != v1.UserTopic(alice) || len(ack.SessionID) != 26 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if !f.hub.Subscribed(v1.UserTopic(alice), ack.SessionID) {
		t.Fatalf("user topic not subscribed after hello")
	}

	send(t, conn, v1.TypeHello, v1.HelloPayload{Token: alice})
	expectError(t, conn, v1.CodeBadRequest)
}

func TestGateway_RequiresHelloFirst(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t)

	send(t, conn, v1.TypeSubscribe, v1.SubscribePayload{Topic: v1.ConversationTopic(conv)})
	expectError(t, conn, v1.CodeUnauthorized)

	// The session stays usable.
	hello(t, conn, bob)
}

func TestGateway_SubscribeACL(t *testing.T) {
	f := newGatewayFixture(t)

	outsider := f.dial(t)
	hello(t, outsider, dave)

	cases := []struct {
		topic string
		code  string
	}{
		{topic: v1.ConversationTopic(conv), code: v1.CodeNotAMember},
		{topic: v1.ConversationTopic("missing"), code: v1.CodeNotFound},
		{topic: v1.UserTopic(bob), code: v1.CodeForbidden},
		{topic: "presence:everyone", code: v1.CodeBadRequest},
	}
	for _, tc := range cases {
		send(t, outsider, v1.TypeSubscribe, v1.SubscribePayload{Topic: tc.topic})
		expectError(t, outsider, tc.code)
	}

	member := f.dial(t)
	hello(t, member, alice)
	send(t, member, v1.TypeSubscribe, v1.SubscribePayload{Topic: v1.ConversationTopic(conv)})
	env := read(t, member)
	if env.Type != v1.TypeSubscribed || env.Topic != v1.ConversationTopic(conv) {
		t.Fatalf("got %s/%s want subscribed", env.Type, env.Topic)
	}

	send(t, member, v1.TypeUnsubscribe, v1.SubscribePayload{Topic: v1.ConversationTopic(conv)})
	if env := read(t, member); env.Type != v1.TypeUnsubscribed {
		t.Fatalf("got %s want unsubscribed", env.Type)
	}
	if f.hub.Subscribers(v1.ConversationTopic(conv)) != 0 {
		t.Fatalf("conversation topic still has subscribers")
	}
}

func TestGateway_SendPushesMessageAndSummaries(t *testing.T) {
	f := newGatewayFixture(t)

	sender := f.dial(t)
	hello(t, sender, alice)

	viewer := f.dial(t)
	hello(t, viewer, bob)
	send(t, viewer, v1.TypeSubscribe, v1.SubscribePayload{Topic: v1.ConversationTopic(conv)})
	if env := read(t, viewer); env.Type != v1.TypeSubscribed {
		t.Fatalf("got %s want subscribed", env.Type)
	}

	send(t, sender, v1.TypeMessageSend, v1.MessageSendPayload{ConversationID: conv, ClientMsgID: "cm-1", Content: "see you saturday"})

	got := readTypes(t, sender, v1.TypeMessageAck, v1.TypeConversationUpdated)
	ack := decode[v1.MessageAckPayload](t, got[v1.TypeMessageAck])
	if ack.ClientMsgID != "cm-1" || ack.MessageID == "" || ack.ConversationID != conv {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if own := decode[v1.ConversationUpdatedPayload](t, got[v1.TypeConversationUpdated]); !own.IsRead {
		t.Fatalf("sender summary should be read: %+v", own)
	}

	pushed := readTypes(t, viewer, v1.TypeMessageNew, v1.TypeConversationUpdated)
	msg := decode[v1.MessagePayload](t, pushed[v1.TypeMessageNew])
	if msg.ID != ack.MessageID || msg.Content != "see you saturday" || msg.SenderName != "alice" {
		t.Fatalf("unexpected pushed message: %+v", msg)
	}
	sum := decode[v1.ConversationUpdatedPayload](t, pushed[v1.TypeConversationUpdated])
	if sum.IsRead || sum.LastMessageID != ack.MessageID || sum.LastSenderName != "alice" {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	send(t, sender, v1.TypeMessageSend, v1.MessageSendPayload{ConversationID: conv, Content: "   "})
	expectError(t, sender, v1.CodeBadRequest)
}

func TestGateway_HistoryAndMarkRead(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	for _, c := range []string{"one", "two", "three"} {
		if _, err := f.svc.SendMessage(ctx, chat.SendMessageInput{ConversationID: conv, SenderID: alice, Content: c}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	conn := f.dial(t)
	hello(t, conn, bob)

	send(t, conn, v1.TypeHistoryFetch, v1.HistoryFetchPayload{ConversationID: conv, Limit: 2})
	chunk := decode[v1.HistoryChunkPayload](t, readTypes(t, conn, v1.TypeHistoryChunk)[v1.TypeHistoryChunk])
	if len(chunk.Messages) != 2 || chunk.Messages[0].Content != "two" || chunk.Messages[1].Content != "three" {
		t.Fatalf("unexpected first page: %+v", chunk.Messages)
	}
	if !chunk.HasNext || chunk.NextCursor == nil {
		t.Fatalf("expected a next cursor: %+v", chunk)
	}

	send(t, conn, v1.TypeHistoryFetch, v1.HistoryFetchPayload{ConversationID: conv, Before: chunk.NextCursor, Limit: 2})
	chunk = decode[v1.HistoryChunkPayload](t, readTypes(t, conn, v1.TypeHistoryChunk)[v1.TypeHistoryChunk])
	if len(chunk.Messages) != 1 || chunk.Messages[0].Content != "one" || chunk.HasNext {
		t.Fatalf("unexpected second page: %+v", chunk)
	}

	send(t, conn, v1.TypeMarkRead, v1.MarkReadPayload{ConversationID: conv})
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := f.store.UnreadCount(ctx, conv, bob)
		if err != nil {
			t.Fatalf("unread: %v", err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("unread=%d want 0 after mark_read", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	outsider := f.dial(t)
	hello(t, outsider, dave)
	send(t, outsider, v1.TypeHistoryFetch, v1.HistoryFetchPayload{ConversationID: conv})
	expectError(t, outsider, v1.CodeNotAMember)
}

func TestGateway_TokenAuthentication(t *testing.T) {
	signer, err := token.NewSigner("", "wisdom", time.Minute)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	verifier, err := token.NewV4PublicVerifier(token.Config{PublicKeyHex: signer.PublicKeyHex(), Issuer: "wisdom"})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	f := newGatewayFixture(t, WithVerifier(verifier))

	good := f.dial(t)
	tok, _, err := signer.Issue(bob, "", time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if ack := hello(t, good, tok); ack.UserID != bob {
		t.Fatalf("ack user=%q want %q", ack.UserID, bob)
	}

	// With a verifier configured, a bare user id is not a token.
	bad := f.dial(t)
	send(t, bad, v1.TypeHello, v1.HelloPayload{Token: bob})
	expectError(t, bad, v1.CodeUnauthorized)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := bad.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestGateway_RejectsMissingSubprotocolAndOrigin(t *testing.T) {
	f := newGatewayFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusProtocolError {
		t.Fatalf("expected protocol error close, got %v", err)
	}

	strict := newGatewayFixture(t, WithOriginPolicy(true, []string{"http://localhost"}))
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(strict.srv.URL, "http"), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	if err == nil {
		t.Fatalf("expected origin rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestNewWSGateway_RequiresAuthentication(t *testing.T) {
	svc, err := chat.NewService(chat.NewMemoryStore())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := NewWSGateway(discardLogger(), nil, svc); err == nil {
		t.Fatalf("expected error without verifier or dev auth")
	}
	if _, err := NewWSGateway(discardLogger(), nil, nil, WithDevAuth(true)); err == nil {
		t.Fatalf("expected error without chat service")
	}
}

func TestErrorCode_Mapping(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{chat.OpError{Op: "x", Kind: chat.ErrInvalidInput, Msg: "bad"}, v1.CodeBadRequest},
		{chat.OpError{Op: "x", Kind: chat.ErrNotAMember}, v1.CodeNotAMember},
		{chat.OpError{Op: "x", Kind: chat.ErrConversationNotFound}, v1.CodeNotFound},
		{chat.OpError{Op: "x", Kind: chat.ErrStoreUnavailable}, v1.CodeUnavailable},
		{badRequest("nope"), v1.CodeBadRequest},
		{context.Canceled, v1.CodeInternal},
	}
	for _, tc := range cases {
		if code, _ := errorCode(tc.err); code != tc.code {
			t.Fatalf("errorCode(%v)=%q want %q", tc.err, code, tc.code)
		}
	}
}
