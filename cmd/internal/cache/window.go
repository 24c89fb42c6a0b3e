// Package cache holds the best-effort caches in front of the durable chat store:
// the per-conversation sliding window of recent messages and a small KV cache
// used by the membership directory.
//
// Nothing in here is a source of truth. Every method may fail or miss and the
// caller is expected to fall back to the store.
package cache

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultCapacity is the number of newest messages kept per conversation.
	DefaultCapacity = 60

	// DefaultTTL is how long an idle window survives without a write.
	DefaultTTL = 24 * time.Hour
)

// Entry is the cached projection of one message, sender display fields included.
type Entry struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	SenderAvatar   string    `json:"sender_avatar,omitempty"`
	Content        string    `json:"content"`
	Kind           string    `json:"kind"`
	CreatedAt      time.Time `json:"created_at"`
	ReplyTo        string    `json:"reply_to,omitempty"`
}

// Window is a bounded, newest-first, time-ordered list of message projections
// per conversation.
//
// Invariants every implementation keeps:
//   - entries are unique by CreatedAt (the store assigns unique timestamps per conversation)
//   - entries are contiguous relative to the store for the range they cover
//   - at most Capacity entries; the oldest are evicted first
//
// Misses are signalled by an empty result and a nil error.
type Window interface {
	// Prepend adds the newly committed e at the head when the current head is
	// prev, the timestamp of the message e was committed after (zero for the
	// first message of the conversation). It then trims to capacity and
	// refreshes the TTL. A window that would be left with a gap is dropped.
	// Without a window, only the first message of a conversation starts one.
	Prepend(ctx context.Context, conversationID string, e Entry, prev time.Time) (PrependResult, error)

	// RangeFromHead returns the newest limit entries. A window holding fewer than
	// limit entries is a hit only when it is known to reach the first message of
	// the conversation.
	RangeFromHead(ctx context.Context, conversationID string, limit int) ([]Entry, error)

	// RangeAfterCursor returns the limit entries strictly older than cursor. The
	// cursor entry must be cached and at least limit entries must follow it.
	RangeAfterCursor(ctx context.Context, conversationID string, cursor time.Time, limit int) ([]Entry, error)

	// Populate loads a store-sourced batch (newest first) into the window.
	Populate(ctx context.Context, in PopulateInput) (PopulateResult, error)

	// Len returns the number of cached entries (0 when absent).
	Len(ctx context.Context, conversationID string) (int, error)

	// Invalidate drops the window for a conversation.
	Invalidate(ctx context.Context, conversationID string) error
}

// PopulateInput describes a read-through population.
type PopulateInput struct {
	ConversationID string

	// Entries are ordered newest first.
	Entries []Entry

	// Cursor is nil for the first page; otherwise the exclusive upper bound the
	// batch was fetched with.
	Cursor *time.Time

	// Exhausted reports that the batch contains the oldest message of the conversation.
	Exhausted bool
}

// Reason explains why a population was not applied.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonEmptyBatch    Reason = "empty_batch"
	ReasonStaleBatch    Reason = "stale_batch"
	ReasonMissing       Reason = "window_missing"
	ReasonNotContiguous Reason = "not_contiguous"
	ReasonOutOfOrder    Reason = "out_of_order"
	ReasonFull          Reason = "window_full"
	ReasonDuplicate     Reason = "duplicate"
	ReasonStaleEntry    Reason = "stale_entry"
)

// PrependResult reports the outcome of Prepend. ReasonNotContiguous means the
// window was dropped. Rejections are not errors.
type PrependResult struct {
	Applied bool
	Reason  Reason
}

// PopulateResult reports the outcome of Populate. Rejections are not errors.
type PopulateResult struct {
	Applied bool
	Reason  Reason
	Size    int
}

// Inconsistent reports a rejection caused by out-of-order or duplicate data.
func (r PopulateResult) Inconsistent() bool {
	return r.Reason == ReasonOutOfOrder
}

// ErrMiss is returned by KV lookups for absent keys.
var ErrMiss = errors.New("cache: miss")

type options struct {
	capacity int
	ttl      time.Duration
	prefix   string
	now      func() time.Time
}

// Option configures a Window or KV implementation.
type Option func(*options)

// WithCapacity sets the per-conversation entry limit.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithTTL sets the idle expiry.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithKeyPrefix overrides the Redis key prefix (default "chat").
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithClock injects the time source used by in-memory expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		capacity: DefaultCapacity,
		ttl:      DefaultTTL,
		prefix:   "chat",
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// score maps a timestamp to the sorted-set score. Unix microseconds stay well
// inside the exact integer range of a float64.
func score(t time.Time) int64 {
	return t.UnixMicro()
}

func strictlyDescending(entries []Entry) bool {
	for i := 1; i < len(entries); i++ {
		if !entries[i].CreatedAt.Before(entries[i-1].CreatedAt) {
			return false
		}
	}
	return true
}
