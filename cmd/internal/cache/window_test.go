package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type windowFactory struct {
	name string
	make func(t *testing.T, opts ...Option) (Window, func(time.Duration))
}

func windowFactories() []windowFactory {
	return []windowFactory{
		{
			name: "memory",
			make: func(t *testing.T, opts ...Option) (Window, func(time.Duration)) {
				clock := &fakeClock{now: baseTime}
				w := NewMemoryWindow(append(opts, WithClock(clock.Now))...)
				return w, clock.Advance
			},
		},
		{
			name: "redis",
			make: func(t *testing.T, opts ...Option) (Window, func(time.Duration)) {
				mr := miniredis.RunT(t)
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				t.Cleanup(func() { _ = client.Close() })
				return NewRedisWindow(client, opts...), mr.FastForward
			},
		},
	}
}

// entry i is i seconds after baseTime; higher i is newer.
func entry(conv string, i int) Entry {
	return Entry{
		ID:             fmt.Sprintf("m%02d", i),
		ConversationID: conv,
		SenderID:       "u1",
		SenderName:     "Alice",
		Content:        fmt.Sprintf("hello %d", i),
		Kind:           "TEXT",
		CreatedAt:      baseTime.Add(time.Duration(i) * time.Second),
	}
}

// newestFirst returns entries hi..lo inclusive.
func newestFirst(conv string, hi, lo int) []Entry {
	out := make([]Entry, 0, hi-lo+1)
	for i := hi; i >= lo; i-- {
		out = append(out, entry(conv, i))
	}
	return out
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

// prevOf is the predecessor timestamp of message i in a conversation that
// starts at message 1.
func prevOf(conv string, i int) time.Time {
	if i <= 1 {
		return time.Time{}
	}
	return entry(conv, i-1).CreatedAt
}

func prepend(t *testing.T, w Window, conv string, i int) PrependResult {
	t.Helper()
	res, err := w.Prepend(context.Background(), conv, entry(conv, i), prevOf(conv, i))
	require.NoError(t, err)
	return res
}

func cursorOf(conv string, i int) *time.Time {
	t := entry(conv, i).CreatedAt
	return &t
}

func forEachWindow(t *testing.T, fn func(t *testing.T, f windowFactory)) {
	for _, f := range windowFactories() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			fn(t, f)
		})
	}
}

func TestWindow_PrependBoundsCapacityNewestFirst(t *testing.T) {
	t.Parallel()
	forEachWindow(t, func(t *testing.T, f windowFactory) {
		ctx := context.Background()
		w, _ := f.make(t, WithCapacity(5))

		for i := 1; i <= 8; i++ {
			require.True(t, prepend(t, w, "c1", i).Applied)
		}

		n, err := w.Len(ctx, "c1")
		require.NoError(t, err)
		require.Equal(t, 5, n)

		got, err := w.RangeFromHead(ctx, "c1", 5)
		require.NoError(t, err)
		require.Equal(t, []string{"m08", "m07", "m06", "m05", "m04"}, ids(got))
	})
}

func TestWindow_PrependIgnoresDuplicates(t *testing.T) {
	t.Parallel()
	forEachWindow(t, func(t *testing.T, f windowFactory) {
		ctx := context.Background()
		w, _ := f.make(t)

		for _, i := range []int{1, 2, 3} {
			require.True(t, prepend(t, w, "c1", i).Applied)
		}
		for _, i := range []int{3, 1, 2} {
			res := prepend(t, w, "c1", i)
			require.False(t, res.Applied)
			require.Equal(t, ReasonDuplicate, res.Reason)
		}

		got, err := w.RangeFromHead(ctx, "c1", 3)
		require.NoError(t, err)
		require.Equal(t, []string{"m03", "m02", "m01"}, ids(got))
		got[0].Content = "mutated"

		again, err := w.RangeFromHead(ctx, "c1", 3)
		require.NoError(t, err)
		require.Equal(t, "hello 3", again[0].Content)
	})
}

func TestWindow_PrependConcurrentOverlapping(t *testing.T) {
	t.Parallel()
	forEachWindow(t, func(t *testing.T, f windowFactory) {
		ctx := context.Background()
		w, _ := f.make(t, WithCapacity(10))

		// Every writer replays the same committed sequence; each id is
		// prepended several times, from several goroutines.
		const writers, total = 8, 25
		var wg sync.WaitGroup
		for g := 0; g < writers; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 1; i <= total; i++ {
					if _, err := w.Prepend(ctx, "c1", entry("c1", i), prevOf("c1", i)); err != nil {
						t.Errorf("prepend m%02d: %v", i, err)
						return
					}
				}
			}()
		}
		wg.Wait()

		got, err := w.RangeFromHead(ctx, "c1", 10)
		require.NoError(t, err)
		require.Equal(t, ids(newestFirst("c1", total, total-9)), ids(got))

		n, err := w.Len(ctx, "c1")
		require.NoError(t, err)
		require.Equal(t, 10, n)

		// Arbitrary order and arbitrary predecessors may drop the window, but
		// never leave it misordered, duplicated or over capacity.
		_, err = w.Populate(ctx, PopulateInput{ConversationID: "c2", Entries: newestFirst("c2", 5, 1), Exhausted: true})
		require.NoError(t, err)
		wg = sync.WaitGroup{}
		for g := 0; g < writers; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for k := 0; k < total; k++ {
					i := 6 + (k*7+g*3)%20
					if _, err := w.Prepend(ctx, "c2", entry("c2", i), prevOf("c2", i-(g%2))); err != nil {
						t.Errorf("prepend m%02d: %v", i, err)
						return
					}
				}
			}(g)
		}
		wg.Wait()

		n, err = w.Len(ctx, "c2")
		require.NoError(t, err)
		require.LessOrEqual(t, n, 10)
		if n == 0 {
			return
		}
		all, err := w.RangeFromHead(ctx, "c2", n)
		require.NoError(t, err)
		seen := make(map[string]bool, len(all))
		for i, e := range all {
			require.False(t, seen[e.ID], "duplicate %s", e.ID)
			seen[e.ID] = true
			if i > 0 {
				require.True(t, e.CreatedAt.Before(all[i-1].CreatedAt), "not newest first at %d", i)
			}
		}
	})
}

func TestWindow_PrependAfterGapDropsWindow(t *testing.T) {
	t.Parallel()
	forEachWindow(t, func(t *testing.T, f windowFactory) {
		ctx := context.Background()
		w, _ := f.make(t)

		_, err := w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 2, 1), Exhausted: true})
		require.NoError(t, err)

		// m4 lands before m3: the window cannot hold m4 without m3.
		res := prepend(t, w, "c1", 4)
		require.Equal(t, ReasonNotContiguous, res.Reason)
		n, err := w.Len(ctx, "c1")
		require.NoError(t, err)
		require.Zero(t, n)

		// The late m3 must not start a window that misses m4.
		res = prepend(t, w, "c1", 3)
		require.Equal(t, ReasonMissing, res.Reason)
		got, err := w.RangeFromHead(ctx, "c1", 1)
		require.NoError(t, err)
		require.Empty(t, got)

		// A first page read before m4 committed is refused.
		pop, err := w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 3, 1), Exhausted: true})
		require.NoError(t, err)
		require.Equal(t, ReasonStaleBatch, pop.Reason)

		pop, err = w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 4, 1), Exhausted: true})
		require.NoError(t, err)
		require.True(t, pop.Applied)

		require.True(t, prepend(t, w, "c1", 5).Applied)
		got, err = w.RangeFromHead(ctx, "c1", 5)
		require.NoError(t, err)
		require.Equal(t, []string{"m05", "m04", "m03", "m02", "m01"}, ids(got))
	})
}

func TestWindow_PrependLateFirstMessage(t *testing.T) {
	t.Parallel()
	forEachWindow(t, func(t *testing.T, f windowFactory) {
		ctx := context.Background()
		w, _ := f.make(t)

		require.Equal(t, ReasonMissing, prepend(t, w, "c1", 2).Reason)
		require.Equal(t, ReasonMissing, prepend(t, w, "c1", 1).Reason)

		n, err := w.Len(ctx, "c1")
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestWindow_PrependOlderEntries(t *testing.T) {
	t.Parallel()
	forEachWindow(t, func(t *testing.T, f windowFactory) {
		ctx := context.Background()
		w, _ := f.make(t)

		_, err := w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 10, 8)})
		require.NoError(t, err)

		// Older than a window that does not reach the origin: nothing to do.
		require.Equal(t, ReasonStaleEntry, prepend(t, w, "c1", 5).Reason)
		n, err := w.Len(ctx, "c1")
		require.NoError(t, err)
		require.Equal(t, 3, n)

		// Inside the covered range but absent: the window had a hole.
		_, err = w.Populate(ctx, PopulateInput{ConversationID: "c2", Entries: []Entry{entry("c2", 10), entry("c2", 8)}})
		require.NoError(t, err)
		require.Equal(t, ReasonNotContiguous, prepend(t, w, "c2", 9).Reason)
		n, err = w.Len(ctx, "c2")
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestWindow_RangeFromHeadShortWindow(t *testing.T) {
	t.Parallel()
	forEachWindow(t, func(t *testing.T, f windowFactory) {
		ctx := context.Background()
		w, _ := f.make(t)

		_, err := w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 3, 2)})
		require.NoError(t, err)

		got, err := w.RangeFromHead(ctx, "c1", 5)
		require.NoError(t, err)
		require.Empty(t, got, "short window without origin must miss")

		res, err := w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 3, 1), Exhausted: true})
		require.NoError(t, err)
		require.True(t, res.Applied)

		got, err = w.RangeFromHead(ctx, "c1", 5)
		require.NoError(t, err)
		require.Equal(t, []string{"m03", "m02", "m01"}, ids(got))

		// The first message of a conversation starts a window that reaches the origin.
		require.True(t, prepend(t, w, "c2", 1).Applied)
		require.True(t, prepend(t, w, "c2", 2).Applied)
		got, err = w.RangeFromHead(ctx, "c2", 5)
		require.NoError(t, err)
		require.Equal(t, []string{"m02", "m01"}, ids(got))

		got, err = w.RangeFromHead(ctx, "missing", 5)
		require.NoError(t, err)
		require.Empty(t, got)
	})
}

func TestWindow_RangeAfterCursor(t *testing.T) {
	t.Parallel()
	forEachWindow(t, func(t *testing.T, f windowFactory) {
		ctx := context.Background()
		w, _ := f.make(t)

		res, err := w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 10, 1)})
		require.NoError(t, err)
		require.True(t, res.Applied)
		require.Equal(t, 10, res.Size)

		got, err := w.RangeAfterCursor(ctx, "c1", *cursorOf("c1", 5), 4)
		require.NoError(t, err)
		require.Equal(t, []string{"m04", "m03", "m02", "m01"}, ids(got))

		got, err = w.RangeAfterCursor(ctx, "c1", *cursorOf("c1", 5), 5)
		require.NoError(t, err)
		require.Empty(t, got, "partial hit must miss")

		got, err = w.RangeAfterCursor(ctx, "c1", *cursorOf("c1", 42), 2)
		require.NoError(t, err)
		require.Empty(t, got, "cursor outside the window must miss")
	})
}

func TestWindow_PopulateFirstPage(t *testing.T) {
	t.Parallel()
	forEachWindow(t, func(t *testing.T, f windowFactory) {
		ctx := context.Background()
		w, _ := f.make(t, WithCapacity(5))

		// m10 committed while no window existed.
		require.Equal(t, ReasonMissing, prepend(t, w, "c1", 10).Reason)

		res, err := w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 9, 5)})
		require.NoError(t, err)
		require.False(t, res.Applied)
		require.Equal(t, ReasonStaleBatch, res.Reason)

		res, err = w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 10, 1), Exhausted: true})
		require.NoError(t, err)
		require.True(t, res.Applied)
		require.Equal(t, 5, res.Size)

		// Trimmed, so the window no longer reaches the origin.
		got, err := w.RangeFromHead(ctx, "c1", 6)
		require.NoError(t, err)
		require.Empty(t, got)

		got, err = w.RangeFromHead(ctx, "c1", 5)
		require.NoError(t, err)
		require.Equal(t, []string{"m10", "m09", "m08", "m07", "m06"}, ids(got))
	})
}

func TestWindow_PopulateContinuation(t *testing.T) {
	t.Parallel()
	forEachWindow(t, func(t *testing.T, f windowFactory) {
		ctx := context.Background()
		w, _ := f.make(t, WithCapacity(8))

		res, err := w.Populate(ctx, PopulateInput{ConversationID: "missing", Entries: newestFirst("missing", 4, 1), Cursor: cursorOf("missing", 5)})
		require.NoError(t, err)
		require.Equal(t, ReasonMissing, res.Reason)

		_, err = w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 20, 17)})
		require.NoError(t, err)

		res, err = w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 15, 12), Cursor: cursorOf("c1", 16)})
		require.NoError(t, err)
		require.Equal(t, ReasonNotContiguous, res.Reason)

		res, err = w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 18, 15), Cursor: cursorOf("c1", 17)})
		require.NoError(t, err)
		require.Equal(t, ReasonOutOfOrder, res.Reason)
		require.True(t, res.Inconsistent())

		res, err = w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 16, 13), Cursor: cursorOf("c1", 17)})
		require.NoError(t, err)
		require.True(t, res.Applied)
		require.Equal(t, 8, res.Size)

		res, err = w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 12, 9), Cursor: cursorOf("c1", 13)})
		require.NoError(t, err)
		require.Equal(t, ReasonFull, res.Reason)

		got, err := w.RangeAfterCursor(ctx, "c1", *cursorOf("c1", 17), 4)
		require.NoError(t, err)
		require.Equal(t, []string{"m16", "m15", "m14", "m13"}, ids(got))
	})
}

func TestWindow_PopulateContinuationTrimsAndClearsOrigin(t *testing.T) {
	t.Parallel()
	forEachWindow(t, func(t *testing.T, f windowFactory) {
		ctx := context.Background()
		w, _ := f.make(t, WithCapacity(6))

		_, err := w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 10, 7)})
		require.NoError(t, err)

		res, err := w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 6, 1), Cursor: cursorOf("c1", 7), Exhausted: true})
		require.NoError(t, err)
		require.True(t, res.Applied)
		require.Equal(t, 6, res.Size)

		got, err := w.RangeFromHead(ctx, "c1", 7)
		require.NoError(t, err)
		require.Empty(t, got)

		got, err = w.RangeFromHead(ctx, "c1", 6)
		require.NoError(t, err)
		require.Equal(t, []string{"m10", "m09", "m08", "m07", "m06", "m05"}, ids(got))
	})
}

func TestWindow_PopulateRejectsBadBatches(t *testing.T) {
	t.Parallel()
	forEachWindow(t, func(t *testing.T, f windowFactory) {
		ctx := context.Background()
		w, _ := f.make(t)

		res, err := w.Populate(ctx, PopulateInput{ConversationID: "c1"})
		require.NoError(t, err)
		require.Equal(t, ReasonEmptyBatch, res.Reason)

		unordered := []Entry{entry("c1", 1), entry("c1", 2)}
		res, err = w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: unordered})
		require.NoError(t, err)
		require.Equal(t, ReasonOutOfOrder, res.Reason)

		n, err := w.Len(ctx, "c1")
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestWindow_ExpiresAfterTTL(t *testing.T) {
	t.Parallel()
	forEachWindow(t, func(t *testing.T, f windowFactory) {
		ctx := context.Background()
		w, advance := f.make(t, WithTTL(time.Minute))

		_, err := w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 3, 1), Exhausted: true})
		require.NoError(t, err)

		advance(30 * time.Second)
		require.True(t, prepend(t, w, "c1", 4).Applied)

		advance(45 * time.Second)
		got, err := w.RangeFromHead(ctx, "c1", 10)
		require.NoError(t, err)
		require.Len(t, got, 4, "prepend refreshes the ttl")

		advance(2 * time.Minute)
		n, err := w.Len(ctx, "c1")
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestWindow_Invalidate(t *testing.T) {
	t.Parallel()
	forEachWindow(t, func(t *testing.T, f windowFactory) {
		ctx := context.Background()
		w, _ := f.make(t)

		_, err := w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 3, 1), Exhausted: true})
		require.NoError(t, err)
		require.NoError(t, w.Invalidate(ctx, "c1"))

		got, err := w.RangeFromHead(ctx, "c1", 1)
		require.NoError(t, err)
		require.Empty(t, got)
	})
}

func TestRedisWindow_KeysShareHashTag(t *testing.T) {
	t.Parallel()

	w := NewRedisWindow(nil)
	require.Equal(t, "chat:messages:{c1}", w.windowKey("c1"))
	require.Equal(t, "chat:messages:{c1}:exhausted", w.exhaustedKey("c1"))
	require.Equal(t, "chat:messages:{c1}:seen", w.seenKey("c1"))

	w = NewRedisWindow(nil, WithKeyPrefix("wisdom"))
	require.Equal(t, "wisdom:messages:{c1}", w.windowKey("c1"))
}

func TestNopWindow_AlwaysMisses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var w Window = NopWindow{}

	res, err := w.Prepend(ctx, "c1", entry("c1", 1), time.Time{})
	require.NoError(t, err)
	require.False(t, res.Applied)
	got, err := w.RangeFromHead(ctx, "c1", 1)
	require.NoError(t, err)
	require.Empty(t, got)

	pop, err := w.Populate(ctx, PopulateInput{ConversationID: "c1", Entries: newestFirst("c1", 2, 1)})
	require.NoError(t, err)
	require.False(t, pop.Applied)
}
