package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/HuuThai2910/wisdom-social/cmd/internal/cache"
	"github.com/HuuThai2910/wisdom-social/cmd/internal/metrics"
)

// DefaultMemberCacheTTL bounds how stale a cached membership record may be.
const DefaultMemberCacheTTL = 10 * time.Minute

// Directory resolves membership with a read-through cache. Only positive
// lookups are cached; the cached projection omits the unread counter.
type Directory struct {
	src   MemberSource
	kv    cache.KV
	ttl   time.Duration
	log   *slog.Logger
	group singleflight.Group
}

type DirectoryOption func(*Directory)

func WithMemberCache(kv cache.KV, ttl time.Duration) DirectoryOption {
	return func(d *Directory) {
		if kv != nil {
			d.kv = kv
		}
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

func WithDirectoryLogger(log *slog.Logger) DirectoryOption {
	return func(d *Directory) {
		if log != nil {
			d.log = log
		}
	}
}

func NewDirectory(src MemberSource, opts ...DirectoryOption) *Directory {
	d := &Directory{
		src: src,
		kv:  cache.NewMemoryKV(),
		ttl: DefaultMemberCacheTTL,
		log: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// memberRecord is the cached shape of a Member.
type memberRecord struct {
	ConversationID    string `json:"conversation_id"`
	UserID            string `json:"user_id"`
	Username          string `json:"username"`
	Nickname          string `json:"nickname,omitempty"`
	Avatar            string `json:"avatar,omitempty"`
	IsAdmin           bool   `json:"is_admin"`
	IsMuted           bool   `json:"is_muted"`
	LastReadMessageID string `json:"last_read_message_id,omitempty"`
}

func memberKey(conversationID, userID string) string {
	return fmt.Sprintf("chat:member:{%s}:%s", conversationID, userID)
}

// Member returns the membership record or ErrNotAMember.
func (d *Directory) Member(ctx context.Context, conversationID, userID string) (Member, error) {
	if conversationID == "" || userID == "" {
		return Member{}, ErrNotAMember
	}
	key := memberKey(conversationID, userID)

	raw, err := d.kv.Get(ctx, key)
	switch {
	case err == nil:
		var rec memberRecord
		if jerr := json.Unmarshal(raw, &rec); jerr == nil {
			metrics.CacheLookups.WithLabelValues("member", "hit").Inc()
			return Member{
				ConversationID:    rec.ConversationID,
				UserID:            rec.UserID,
				Username:          rec.Username,
				Nickname:          rec.Nickname,
				Avatar:            rec.Avatar,
				IsAdmin:           rec.IsAdmin,
				IsMuted:           rec.IsMuted,
				LastReadMessageID: rec.LastReadMessageID,
			}, nil
		}
		metrics.CacheLookups.WithLabelValues("member", "error").Inc()
	case errors.Is(err, cache.ErrMiss):
		metrics.CacheLookups.WithLabelValues("member", "miss").Inc()
	default:
		metrics.CacheLookups.WithLabelValues("member", "error").Inc()
		d.log.Warn("directory.cache.get.fail",
			slog.String("conversation_id", conversationID),
			slog.String("user_id", userID),
			slog.Any("err", err),
		)
	}

	// The shared load outlives any one caller; each caller still honours its
	// own deadline.
	loadCtx := context.WithoutCancel(ctx)
	ch := d.group.DoChan(key, func() (any, error) {
		m, err := d.src.GetMember(loadCtx, conversationID, userID)
		if err != nil {
			return Member{}, err
		}
		d.remember(loadCtx, key, m)
		return m, nil
	})
	select {
	case <-ctx.Done():
		return Member{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Member{}, res.Err
		}
		return res.Val.(Member), nil
	}
}

func (d *Directory) remember(ctx context.Context, key string, m Member) {
	raw, err := json.Marshal(memberRecord{
		ConversationID:    m.ConversationID,
		UserID:            m.UserID,
		Username:          m.Username,
		Nickname:          m.Nickname,
		Avatar:            m.Avatar,
		IsAdmin:           m.IsAdmin,
		IsMuted:           m.IsMuted,
		LastReadMessageID: m.LastReadMessageID,
	})
	if err != nil {
		return
	}
	if err := d.kv.Set(ctx, key, raw, d.ttl); err != nil {
		d.log.Warn("directory.cache.set.fail", slog.String("key", key), slog.Any("err", err))
	}
}

// Members bulk-loads members from the store, keyed by user id. A nil userIDs
// loads every member.
func (d *Directory) Members(ctx context.Context, conversationID string, userIDs []string) (map[string]Member, error) {
	list, err := d.src.ListMembers(ctx, conversationID, userIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Member, len(list))
	for _, m := range list {
		out[m.UserID] = m
	}
	return out, nil
}

func (d *Directory) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	return d.src.MemberIDs(ctx, conversationID)
}

// Forget drops a cached membership record after an external change.
func (d *Directory) Forget(ctx context.Context, conversationID, userID string) error {
	return d.kv.Delete(ctx, memberKey(conversationID, userID))
}
