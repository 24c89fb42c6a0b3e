package realtime

import (
	"io"
	"log/slog"
	"testing"
	"time"

	v1 "github.com/HuuThai2910/wisdom-social/shared/contracts/realtime/v1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnvelope(typ string) v1.Envelope {
	return v1.Envelope{V: v1.Version, Type: typ, ID: NewEnvelopeID(time.Now()), TS: time.Now().UTC()}
}

func TestHub_SubscribeDeliverUnsubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub(discardLogger())
	a := NewClient("u-a", "s-a", 8)
	b := NewClient("u-b", "s-b", 8)

	h.Subscribe("conversation:c1", a)
	h.Subscribe("conversation:c1", a) // idempotent
	h.Subscribe("conversation:c1", b)
	h.Subscribe(v1.UserTopic("u-a"), a)

	if got := h.Subscribers("conversation:c1"); got != 2 {
		t.Fatalf("subscribers=%d want 2", got)
	}
	if !h.Subscribed(v1.UserTopic("u-a"), "s-a") || h.Subscribed(v1.UserTopic("u-a"), "s-b") {
		t.Fatalf("unexpected user topic subscription state")
	}

	if dropped := h.Deliver("conversation:c1", testEnvelope(v1.TypeMessageNew)); dropped != 0 {
		t.Fatalf("dropped=%d want 0", dropped)
	}
	if len(a.Send) != 1 || len(b.Send) != 1 {
		t.Fatalf("queues a=%d b=%d want 1/1", len(a.Send), len(b.Send))
	}

	h.Unsubscribe("conversation:c1", "s-b")
	h.Deliver("conversation:c1", testEnvelope(v1.TypeMessageNew))
	if len(a.Send) != 2 || len(b.Send) != 1 {
		t.Fatalf("after unsubscribe: a=%d b=%d want 2/1", len(a.Send), len(b.Send))
	}

	h.UnsubscribeAll("s-a")
	if h.Subscribers("conversation:c1") != 0 || h.Subscribers(v1.UserTopic("u-a")) != 0 {
		t.Fatalf("expected empty topics after UnsubscribeAll")
	}
	if dropped := h.Deliver("conversation:c1", testEnvelope(v1.TypeMessageNew)); dropped != 0 {
		t.Fatalf("deliver to unknown topic dropped=%d", dropped)
	}
}

func TestHub_DeliverDropsForFullOrClosedClients(t *testing.T) {
	t.Parallel()

	h := NewHub(discardLogger())
	slow := NewClient("u-slow", "s-slow", 1)
	gone := NewClient("u-gone", "s-gone", 8)
	ok := NewClient("u-ok", "s-ok", 8)
	for _, c := range []*Client{slow, gone, ok} {
		h.Subscribe("conversation:c1", c)
	}
	gone.Close()

	if dropped := h.Deliver("conversation:c1", testEnvelope(v1.TypeMessageNew)); dropped != 1 {
		t.Fatalf("first deliver dropped=%d want 1 (closed client)", dropped)
	}
	if dropped := h.Deliver("conversation:c1", testEnvelope(v1.TypeMessageNew)); dropped != 2 {
		t.Fatalf("second deliver dropped=%d want 2 (closed + full)", dropped)
	}
	if len(ok.Send) != 2 {
		t.Fatalf("healthy client got %d envelopes want 2", len(ok.Send))
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(t0.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(t0.Add(500 * time.Millisecond)) {
		t.Fatalf("4th event inside window should be rejected")
	}
	if !rl.Allow(t0.Add(1001 * time.Millisecond)) {
		t.Fatalf("event after oldest left the window should be allowed")
	}
	if rl.Allow(t0.Add(1050 * time.Millisecond)) {
		t.Fatalf("window is full again")
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	c := NewClient("u", "s", 0)
	if cap(c.Send) != 64 {
		t.Fatalf("default queue=%d want 64", cap(c.Send))
	}
	c.Close()
	c.Close()
	select {
	case <-c.Done():
	default:
		t.Fatalf("done not closed")
	}

	var nilClient *Client
	nilClient.Close()
	<-nilClient.Done()
}
