package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/HuuThai2910/wisdom-social/cmd/internal/cache"
	"github.com/HuuThai2910/wisdom-social/cmd/internal/metrics"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// MessageReader is the store surface the paginator reads from.
type MessageReader interface {
	ListMessages(ctx context.Context, in ListMessagesInput) ([]Message, error)
}

// Paginator serves history pages from the sliding window and falls back to the
// store on a miss, repopulating the window with what it read.
type Paginator struct {
	store  MessageReader
	window cache.Window
	dir    *Directory
	users  UserLookup
	log    *slog.Logger

	defaultLimit int
	maxLimit     int
}

func NewPaginator(store MessageReader, window cache.Window, dir *Directory, users UserLookup, log *slog.Logger) *Paginator {
	if window == nil {
		window = cache.NopWindow{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Paginator{
		store:        store,
		window:       window,
		dir:          dir,
		users:        users,
		log:          log,
		defaultLimit: DefaultPageLimit,
		maxLimit:     MaxPageLimit,
	}
}

func (p *Paginator) limit(n int) int {
	if n <= 0 {
		return p.defaultLimit
	}
	if n > p.maxLimit {
		return p.maxLimit
	}
	return n
}

// Page returns messages strictly older than cursor (the newest page when nil),
// ordered oldest to newest.
func (p *Paginator) Page(ctx context.Context, conversationID string, cursor *time.Time, limit int) (Page, error) {
	limit = p.limit(limit)

	op := "head"
	var (
		entries []cache.Entry
		err     error
	)
	if cursor == nil {
		entries, err = p.window.RangeFromHead(ctx, conversationID, limit)
	} else {
		op = "cursor"
		entries, err = p.window.RangeAfterCursor(ctx, conversationID, *cursor, limit)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Page{}, ctxErr
		}
		metrics.CacheLookups.WithLabelValues(op, "error").Inc()
		p.log.Warn("cache.range.fail",
			slog.String("conversation_id", conversationID),
			slog.String("op", op),
			slog.Any("err", err),
		)
		entries = nil
	}

	if len(entries) > 0 {
		metrics.CacheLookups.WithLabelValues(op, "hit").Inc()
		return cachePage(entries, limit), nil
	}
	if err == nil {
		metrics.CacheLookups.WithLabelValues(op, "miss").Inc()
	}

	rows, err := p.store.ListMessages(ctx, ListMessagesInput{
		ConversationID: conversationID,
		Before:         cursor,
		Limit:          limit + 1,
	})
	if err != nil {
		return Page{}, err
	}
	hasNext := len(rows) > limit
	if hasNext {
		rows = rows[:limit]
	}

	views, err := p.render(ctx, conversationID, rows)
	if err != nil {
		return Page{}, err
	}

	// A cancelled request leaves the window untouched.
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if len(views) > 0 {
		p.populate(ctx, conversationID, views, cursor, !hasNext)
	}

	return storePage(views, hasNext), nil
}

func (p *Paginator) populate(ctx context.Context, conversationID string, views []MessageView, cursor *time.Time, exhausted bool) {
	mode := "head"
	if cursor != nil {
		mode = "append"
	}

	entries := make([]cache.Entry, len(views))
	for i, v := range views {
		entries[i] = toEntry(v)
	}

	res, err := p.window.Populate(ctx, cache.PopulateInput{
		ConversationID: conversationID,
		Entries:        entries,
		Cursor:         cursor,
		Exhausted:      exhausted,
	})
	if err != nil {
		metrics.CachePopulate.WithLabelValues(mode, "error").Inc()
		p.log.Warn("cache.populate.fail",
			slog.String("conversation_id", conversationID),
			slog.String("mode", mode),
			slog.Any("err", err),
		)
		return
	}

	if res.Applied {
		metrics.CachePopulate.WithLabelValues(mode, "applied").Inc()
		p.log.Debug("cache.populate.ok",
			slog.String("conversation_id", conversationID),
			slog.String("mode", mode),
			slog.Int("size", res.Size),
		)
		return
	}

	metrics.CachePopulate.WithLabelValues(mode, string(res.Reason)).Inc()
	attrs := []any{
		slog.String("conversation_id", conversationID),
		slog.String("mode", mode),
		slog.String("reason", string(res.Reason)),
		slog.Int("size", res.Size),
	}
	if res.Inconsistent() {
		p.log.Warn("cache.populate.inconsistent", attrs...)
		return
	}
	p.log.Debug("cache.populate.rejected", attrs...)
}

// render attaches sender display fields. Senders who left the conversation fall
// back to their user profile.
func (p *Paginator) render(ctx context.Context, conversationID string, rows []Message) ([]MessageView, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{}, len(rows))
	senderIDs := make([]string, 0, len(rows))
	for _, m := range rows {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		senderIDs = append(senderIDs, m.SenderID)
	}

	members, err := p.dir.Members(ctx, conversationID, senderIDs)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, id := range senderIDs {
		if _, ok := members[id]; !ok {
			missing = append(missing, id)
		}
	}
	var departed map[string]User
	if len(missing) > 0 && p.users != nil {
		departed, err = p.users.Users(ctx, missing)
		if err != nil {
			p.log.Warn("chat.history.sender_lookup.fail",
				slog.String("conversation_id", conversationID),
				slog.Int("missing", len(missing)),
				slog.Any("err", err),
			)
			departed = nil
		}
	}

	views := make([]MessageView, len(rows))
	for i, m := range rows {
		name, avatar := UnknownUserName, ""
		if mem, ok := members[m.SenderID]; ok {
			name, avatar = mem.DisplayName(), mem.Avatar
		} else if u, ok := departed[m.SenderID]; ok {
			name, avatar = u.Name(), u.AvatarURL
		}
		views[i] = viewOf(m, name, avatar)
	}
	return views, nil
}

// cachePage reverses newest-first entries. hasNext is "the page is full" since
// the window cannot see past its own horizon.
func cachePage(entries []cache.Entry, limit int) Page {
	views := make([]MessageView, len(entries))
	for i, e := range entries {
		views[len(entries)-1-i] = fromEntry(e)
	}
	return Page{
		Messages:   views,
		NextCursor: oldestCursor(views),
		HasNext:    len(entries) >= limit,
		Source:     SourceCache,
	}
}

func storePage(newestFirst []MessageView, hasNext bool) Page {
	views := make([]MessageView, len(newestFirst))
	for i, v := range newestFirst {
		views[len(newestFirst)-1-i] = v
	}
	return Page{
		Messages:   views,
		NextCursor: oldestCursor(views),
		HasNext:    hasNext,
		Source:     SourceStore,
	}
}

func oldestCursor(oldestFirst []MessageView) *time.Time {
	if len(oldestFirst) == 0 {
		return nil
	}
	t := oldestFirst[0].CreatedAt
	return &t
}

func viewOf(m Message, senderName, senderAvatar string) MessageView {
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		Kind:           m.Kind,
		CreatedAt:      m.CreatedAt,
		SenderID:       m.SenderID,
		SenderName:     senderName,
		SenderAvatar:   senderAvatar,
		ReplyTo:        m.ReplyTo,
	}
}

func toEntry(v MessageView) cache.Entry {
	return cache.Entry{
		ID:             v.ID,
		ConversationID: v.ConversationID,
		SenderID:       v.SenderID,
		SenderName:     v.SenderName,
		SenderAvatar:   v.SenderAvatar,
		Content:        v.Content,
		Kind:           string(v.Kind),
		CreatedAt:      v.CreatedAt,
		ReplyTo:        v.ReplyTo,
	}
}

func fromEntry(e cache.Entry) MessageView {
	return MessageView{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		Content:        e.Content,
		Kind:           Kind(e.Kind),
		CreatedAt:      e.CreatedAt.UTC(),
		SenderID:       e.SenderID,
		SenderName:     e.SenderName,
		SenderAvatar:   e.SenderAvatar,
		ReplyTo:        e.ReplyTo,
	}
}
