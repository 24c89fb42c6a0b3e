package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryWindow is an in-process Window. It backs single-node deployments without
// Redis and the unit tests.
type MemoryWindow struct {
	mu      sync.Mutex
	opts    options
	windows map[string]*memWindow
}

type memWindow struct {
	entries   []Entry // newest first
	exhausted bool
	expiresAt time.Time

	// seen is the newest timestamp reported by a skipped prepend. It is only
	// meaningful while entries is empty.
	seen time.Time
}

var _ Window = (*MemoryWindow)(nil)

func NewMemoryWindow(opts ...Option) *MemoryWindow {
	return &MemoryWindow{
		opts:    buildOptions(opts),
		windows: make(map[string]*memWindow),
	}
}

// get returns the live window for id, dropping it when expired. Caller holds mu.
func (w *MemoryWindow) get(id string) *memWindow {
	mw, ok := w.windows[id]
	if !ok {
		return nil
	}
	if !w.opts.now().Before(mw.expiresAt) {
		delete(w.windows, id)
		return nil
	}
	return mw
}

func (w *MemoryWindow) touch(mw *memWindow) {
	mw.expiresAt = w.opts.now().Add(w.opts.ttl)
}

// trim enforces capacity. Evicting the oldest entries loses the origin.
func (w *MemoryWindow) trim(mw *memWindow) bool {
	if len(mw.entries) <= w.opts.capacity {
		return false
	}
	mw.entries = mw.entries[:w.opts.capacity]
	mw.exhausted = false
	return true
}

func (w *MemoryWindow) Prepend(ctx context.Context, conversationID string, e Entry, prev time.Time) (PrependResult, error) {
	if err := ctx.Err(); err != nil {
		return PrependResult{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	mw := w.get(conversationID)
	if mw == nil || len(mw.entries) == 0 {
		if !prev.IsZero() || (mw != nil && !mw.seen.IsZero()) {
			w.markSeen(conversationID, mw, e.CreatedAt)
			return PrependResult{Reason: ReasonMissing}, nil
		}
		mw = &memWindow{entries: []Entry{e}, exhausted: true}
		w.trim(mw)
		w.touch(mw)
		w.windows[conversationID] = mw
		return PrependResult{Applied: true}, nil
	}

	for _, cur := range mw.entries {
		if cur.CreatedAt.Equal(e.CreatedAt) {
			w.touch(mw)
			return PrependResult{Reason: ReasonDuplicate}, nil
		}
	}

	head := mw.entries[0].CreatedAt
	if e.CreatedAt.Before(head) {
		oldest := mw.entries[len(mw.entries)-1].CreatedAt
		if e.CreatedAt.Before(oldest) && !mw.exhausted {
			return PrependResult{Reason: ReasonStaleEntry}, nil
		}
		w.drop(conversationID, head)
		return PrependResult{Reason: ReasonNotContiguous}, nil
	}
	if !head.Equal(prev) {
		w.drop(conversationID, e.CreatedAt)
		return PrependResult{Reason: ReasonNotContiguous}, nil
	}

	mw.entries = append(mw.entries, Entry{})
	copy(mw.entries[1:], mw.entries)
	mw.entries[0] = e

	w.trim(mw)
	w.touch(mw)
	return PrependResult{Applied: true}, nil
}

// drop removes a window that lost contiguity and keeps the newest timestamp it
// knew about. Caller holds mu.
func (w *MemoryWindow) drop(id string, newest time.Time) {
	delete(w.windows, id)
	w.markSeen(id, nil, newest)
}

// markSeen records that a message at "at" exists while no window does, so an
// older write arriving late cannot start a window that misses it and a stale
// first-page populate is refused. Caller holds mu.
func (w *MemoryWindow) markSeen(id string, mw *memWindow, at time.Time) {
	if mw == nil {
		mw = &memWindow{}
		w.windows[id] = mw
	}
	if at.After(mw.seen) {
		mw.seen = at
	}
	w.touch(mw)
}

func (w *MemoryWindow) RangeFromHead(ctx context.Context, conversationID string, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	mw := w.get(conversationID)
	if mw == nil || len(mw.entries) == 0 {
		return nil, nil
	}
	if len(mw.entries) < limit {
		if !mw.exhausted {
			return nil, nil
		}
		limit = len(mw.entries)
	}

	out := make([]Entry, limit)
	copy(out, mw.entries[:limit])
	return out, nil
}

func (w *MemoryWindow) RangeAfterCursor(ctx context.Context, conversationID string, cursor time.Time, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	mw := w.get(conversationID)
	if mw == nil {
		return nil, nil
	}

	idx := -1
	for i, cur := range mw.entries {
		if cur.CreatedAt.Equal(cursor) {
			idx = i
			break
		}
	}
	if idx < 0 || len(mw.entries)-(idx+1) < limit {
		return nil, nil
	}

	out := make([]Entry, limit)
	copy(out, mw.entries[idx+1:idx+1+limit])
	return out, nil
}

func (w *MemoryWindow) Populate(ctx context.Context, in PopulateInput) (PopulateResult, error) {
	if err := ctx.Err(); err != nil {
		return PopulateResult{}, err
	}
	if len(in.Entries) == 0 {
		return PopulateResult{Reason: ReasonEmptyBatch}, nil
	}
	if !strictlyDescending(in.Entries) {
		return PopulateResult{Reason: ReasonOutOfOrder}, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	mw := w.get(in.ConversationID)
	newest := in.Entries[0].CreatedAt

	if in.Cursor == nil {
		if mw != nil && len(mw.entries) > 0 && mw.entries[0].CreatedAt.After(newest) {
			return PopulateResult{Reason: ReasonStaleBatch, Size: len(mw.entries)}, nil
		}
		if mw != nil && len(mw.entries) == 0 && mw.seen.After(newest) {
			return PopulateResult{Reason: ReasonStaleBatch}, nil
		}
		mw = &memWindow{entries: append([]Entry(nil), in.Entries...)}
		if !w.trim(mw) {
			mw.exhausted = in.Exhausted
		}
		w.touch(mw)
		w.windows[in.ConversationID] = mw
		return PopulateResult{Applied: true, Size: len(mw.entries)}, nil
	}

	if mw == nil || len(mw.entries) == 0 {
		return PopulateResult{Reason: ReasonMissing}, nil
	}
	size := len(mw.entries)
	oldest := mw.entries[size-1]
	if !oldest.CreatedAt.Equal(*in.Cursor) {
		return PopulateResult{Reason: ReasonNotContiguous, Size: size}, nil
	}
	if !newest.Before(oldest.CreatedAt) {
		return PopulateResult{Reason: ReasonOutOfOrder, Size: size}, nil
	}
	if size >= w.opts.capacity {
		return PopulateResult{Reason: ReasonFull, Size: size}, nil
	}

	mw.entries = append(mw.entries, in.Entries...)
	if !w.trim(mw) {
		mw.exhausted = in.Exhausted
	}
	w.touch(mw)
	return PopulateResult{Applied: true, Size: len(mw.entries)}, nil
}

func (w *MemoryWindow) Len(ctx context.Context, conversationID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if mw := w.get(conversationID); mw != nil {
		return len(mw.entries), nil
	}
	return 0, nil
}

func (w *MemoryWindow) Invalidate(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.windows, conversationID)
	w.mu.Unlock()
	return nil
}
