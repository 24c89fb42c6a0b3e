package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/HuuThai2910/wisdom-social/cmd/internal/cache"
)

const (
	convID = "c1"
	alice  = "u-alice"
	bob    = "u-bob"
	carol  = "u-carol"
)

type publishedUpdate struct {
	UserID string
	Event  ConversationUpdatedEvent
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []MessageEvent
	updates  []publishedUpdate
}

func (p *recordingPublisher) PublishMessage(_ context.Context, ev MessageEvent) {
	p.mu.Lock()
	p.messages = append(p.messages, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishConversationUpdated(_ context.Context, userID string, ev ConversationUpdatedEvent) {
	p.mu.Lock()
	p.updates = append(p.updates, publishedUpdate{UserID: userID, Event: ev})
	p.mu.Unlock()
}

func (p *recordingPublisher) snapshot() ([]MessageEvent, []publishedUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]MessageEvent(nil), p.messages...), append([]publishedUpdate(nil), p.updates...)
}

// stepClock advances by a millisecond on every read.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type fixture struct {
	store  *MemoryStore
	window cache.Window
	pub    *recordingPublisher
	svc    *Service
}

func newFixture(t *testing.T, window cache.Window) *fixture {
	t.Helper()

	ctx := context.Background()
	store := NewMemoryStore()
	for _, u := range []User{
		{ID: alice, Username: "alice", DisplayName: "Alice", AvatarURL: "https://img/alice.png"},
		{ID: bob, Username: "bob", DisplayName: "Bob"},
		{ID: carol, Username: "carol", DisplayName: "Carol"},
		{ID: "u-dave", Username: "dave", DisplayName: "Dave"},
	} {
		require.NoError(t, store.CreateUser(ctx, u))
	}
	require.NoError(t, store.CreateConversation(ctx, CreateConversationInput{
		ID:   convID,
		Type: ConversationGroup,
		Name: "weekend",
		Members: []NewMember{
			{UserID: alice, IsAdmin: true},
			{UserID: bob, Nickname: "Bobby"},
			{UserID: carol},
		},
	}))

	if window == nil {
		window = cache.NewMemoryWindow()
	}
	pub := &recordingPublisher{}
	clock := &stepClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	svc, err := NewService(store, WithWindow(window), WithPublisher(pub), WithClock(clock.Now))
	require.NoError(t, err)

	return &fixture{store: store, window: window, pub: pub, svc: svc}
}

func (f *fixture) send(t *testing.T, sender, content string) MessageView {
	t.Helper()
	v, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
	})
	require.NoError(t, err)
	return v
}

func (f *fixture) unread(t *testing.T, userID string) int64 {
	t.Helper()
	n, err := f.store.UnreadCount(context.Background(), convID, userID)
	require.NoError(t, err)
	return n
}

func newRedisWindow(t *testing.T, opts ...cache.Option) cache.Window {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRedisWindow(client, opts...)
}

type windowCase struct {
	name string
	make func(t *testing.T) cache.Window
}

func windowCases() []windowCase {
	return []windowCase{
		{name: "memory", make: func(*testing.T) cache.Window { return cache.NewMemoryWindow() }},
		{name: "redis", make: func(t *testing.T) cache.Window { return newRedisWindow(t) }},
		{name: "none", make: func(*testing.T) cache.Window { return cache.NopWindow{} }},
	}
}

var errCacheDown = errors.New("cache down")

// brokenWindow fails every call, like an unreachable cache server.
type brokenWindow struct {
	mu          sync.Mutex
	invalidated int
}

func (w *brokenWindow) Prepend(context.Context, string, cache.Entry, time.Time) (cache.PrependResult, error) {
	return cache.PrependResult{}, errCacheDown
}

func (w *brokenWindow) RangeFromHead(context.Context, string, int) ([]cache.Entry, error) {
	return nil, errCacheDown
}

func (w *brokenWindow) RangeAfterCursor(context.Context, string, time.Time, int) ([]cache.Entry, error) {
	return nil, errCacheDown
}

func (w *brokenWindow) Populate(context.Context, cache.PopulateInput) (cache.PopulateResult, error) {
	return cache.PopulateResult{}, errCacheDown
}

func (w *brokenWindow) Len(context.Context, string) (int, error) { return 0, errCacheDown }

func (w *brokenWindow) Invalidate(context.Context, string) error {
	w.mu.Lock()
	w.invalidated++
	w.mu.Unlock()
	return nil
}

// heldWindow parks the prepend of one message until released, so the
// post-commit hooks of two sends can run out of order.
type heldWindow struct {
	cache.Window
	holdContent string
	held        chan struct{}
	release     chan struct{}
}

func newHeldWindow(inner cache.Window, content string) *heldWindow {
	return &heldWindow{
		Window:      inner,
		holdContent: content,
		held:        make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (w *heldWindow) Prepend(ctx context.Context, id string, e cache.Entry, prev time.Time) (cache.PrependResult, error) {
	if e.Content == w.holdContent {
		close(w.held)
		<-w.release
	}
	return w.Window.Prepend(ctx, id, e, prev)
}

func messageIDs(views []MessageView) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.ID
	}
	return out
}
