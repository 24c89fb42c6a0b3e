package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/HuuThai2910/wisdom-social/cmd/internal/cache"
	"github.com/HuuThai2910/wisdom-social/cmd/internal/metrics"
)

// Service is the messaging core used by the REST and websocket surfaces.
type Service struct {
	store  Store
	window cache.Window
	dir    *Directory
	users  UserLookup
	pub    Publisher
	pager  *Paginator
	log    *slog.Logger
	now    func() time.Time
}

type ServiceOption func(*Service)

// WithWindow sets the sliding-window cache (default: none).
func WithWindow(w cache.Window) ServiceOption {
	return func(s *Service) {
		if w != nil {
			s.window = w
		}
	}
}

func WithDirectory(d *Directory) ServiceOption {
	return func(s *Service) {
		if d != nil {
			s.dir = d
		}
	}
}

// WithUserLookup overrides the profile source for senders who left (default: the store).
func WithUserLookup(u UserLookup) ServiceOption {
	return func(s *Service) {
		if u != nil {
			s.users = u
		}
	}
}

func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) {
		if p != nil {
			s.pub = p
		}
	}
}

func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("chat: nil store")
	}
	s := &Service{
		store:  store,
		window: cache.NopWindow{},
		users:  store,
		pub:    NopPublisher{},
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.dir == nil {
		s.dir = NewDirectory(store, WithDirectoryLogger(s.log))
	}
	s.pager = NewPaginator(store, s.window, s.dir, s.users, s.log)
	return s, nil
}

// Directory exposes the membership directory for surfaces that authorize subscriptions.
func (s *Service) Directory() *Directory { return s.dir }

type SendMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Kind           string
	ReplyTo        string
}

// SendMessage persists a message, updates the conversation summary and the
// unread counters in one transaction, then warms the cache and publishes events.
func (s *Service) SendMessage(ctx context.Context, in SendMessageInput) (MessageView, error) {
	const op = "chat.SendMessage"

	convID := strings.TrimSpace(in.ConversationID)
	senderID := strings.TrimSpace(in.SenderID)
	if convID == "" || senderID == "" {
		return MessageView{}, invalid(op, "conversation_id and sender_id are required")
	}
	content, ok := validContent(in.Content)
	if !ok {
		return MessageView{}, invalid(op, "content must be 1..4000 characters")
	}
	kind, ok := ParseKind(in.Kind)
	if !ok {
		return MessageView{}, invalid(op, "unknown message kind")
	}
	if err := ctx.Err(); err != nil {
		return MessageView{}, err
	}

	if _, err := s.store.GetConversation(ctx, convID); err != nil {
		return MessageView{}, wrapStore(op, err)
	}
	sender, err := s.dir.Member(ctx, convID, senderID)
	if err != nil {
		return MessageView{}, wrapStore(op, err)
	}
	recipients, err := s.dir.MemberIDs(ctx, convID)
	if err != nil {
		return MessageView{}, wrapStore(op, err)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return MessageView{}, wrapStore(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	msg, err := tx.AppendMessage(ctx, AppendMessageInput{
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
		Kind:           kind,
		ReplyTo:        strings.TrimSpace(in.ReplyTo),
		Now:            s.now(),
	})
	if err != nil {
		return MessageView{}, wrapStore(op, err)
	}
	if err := tx.UpdateSummary(ctx, msg.Message); err != nil {
		return MessageView{}, wrapStore(op, err)
	}
	bumped, err := tx.IncrementUnreadExcept(ctx, convID, senderID)
	if err != nil {
		return MessageView{}, wrapStore(op, err)
	}

	view := viewOf(msg.Message, sender.DisplayName(), sender.Avatar)
	hookCtx := context.WithoutCancel(ctx)
	tx.AfterCommit(func() { s.afterSend(hookCtx, view, msg.Previous, recipients) })

	if err := tx.Commit(ctx); err != nil {
		return MessageView{}, wrapStore(op, err)
	}

	metrics.MessagesSent.WithLabelValues(string(kind)).Inc()
	s.log.Info("chat.send.ok",
		slog.String("conversation_id", convID),
		slog.String("message_id", msg.ID),
		slog.String("sender_id", senderID),
		slog.String("kind", string(kind)),
		slog.Int64("unread_bumped", bumped),
	)
	return view, nil
}

// afterSend runs once the send has committed. Nothing here may fail the send.
// Hooks of concurrent sends may run in any order; prev lets the window refuse
// a message whose predecessor it has not seen.
func (s *Service) afterSend(ctx context.Context, v MessageView, prev time.Time, recipients []string) {
	res, err := s.window.Prepend(ctx, v.ConversationID, toEntry(v), prev)
	switch {
	case err != nil:
		s.log.Warn("cache.prepend.fail",
			slog.String("conversation_id", v.ConversationID),
			slog.String("message_id", v.ID),
			slog.Any("err", err),
		)
		// A window that missed a message is no longer contiguous.
		if ierr := s.window.Invalidate(ctx, v.ConversationID); ierr != nil {
			s.log.Warn("cache.invalidate.fail",
				slog.String("conversation_id", v.ConversationID),
				slog.Any("err", ierr),
			)
		}
	case res.Reason == cache.ReasonNotContiguous:
		metrics.CachePopulate.WithLabelValues("prepend", "dropped").Inc()
		s.log.Warn("cache.prepend.gap",
			slog.String("conversation_id", v.ConversationID),
			slog.String("message_id", v.ID),
		)
	case res.Applied:
		metrics.CachePopulate.WithLabelValues("prepend", "applied").Inc()
	}

	s.pub.PublishMessage(ctx, messageEvent(v))
	for _, uid := range recipients {
		s.pub.PublishConversationUpdated(ctx, uid, conversationUpdated(v, uid))
	}
}

type FetchHistoryInput struct {
	ConversationID string
	RequesterID    string
	Before         *time.Time
	Limit          int
}

// FetchHistory returns one page of history for a member of the conversation.
func (s *Service) FetchHistory(ctx context.Context, in FetchHistoryInput) (Page, error) {
	const op = "chat.FetchHistory"

	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" || strings.TrimSpace(in.RequesterID) == "" {
		return Page{}, invalid(op, "conversation_id and requester_id are required")
	}
	if in.Limit < 0 {
		return Page{}, invalid(op, "limit must not be negative")
	}
	if err := s.authorize(ctx, op, convID, in.RequesterID); err != nil {
		return Page{}, err
	}

	var before *time.Time
	if in.Before != nil {
		t := in.Before.UTC()
		before = &t
	}

	page, err := s.pager.Page(ctx, convID, before, in.Limit)
	if err != nil {
		return Page{}, wrapStore(op, err)
	}
	return page, nil
}

// MarkAsRead resets the caller's unread counter. Repeating it is harmless.
func (s *Service) MarkAsRead(ctx context.Context, conversationID, userID string) error {
	const op = "chat.MarkAsRead"

	conversationID = strings.TrimSpace(conversationID)
	userID = strings.TrimSpace(userID)
	if conversationID == "" || userID == "" {
		return invalid(op, "conversation_id and user_id are required")
	}
	if err := s.authorize(ctx, op, conversationID, userID); err != nil {
		return err
	}
	if err := s.store.ResetUnread(ctx, conversationID, userID); err != nil {
		return wrapStore(op, err)
	}
	s.log.Debug("chat.read.ok",
		slog.String("conversation_id", conversationID),
		slog.String("user_id", userID),
	)
	return nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]ConversationItem, error) {
	const op = "chat.ListConversations"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, invalid(op, "user_id is required")
	}
	items, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	return items, nil
}

// GetConversation returns a conversation with its members, for members only.
func (s *Service) GetConversation(ctx context.Context, conversationID, userID string) (ConversationDetail, error) {
	const op = "chat.GetConversation"

	conversationID = strings.TrimSpace(conversationID)
	userID = strings.TrimSpace(userID)
	if conversationID == "" || userID == "" {
		return ConversationDetail{}, invalid(op, "conversation_id and user_id are required")
	}
	if err := s.authorize(ctx, op, conversationID, userID); err != nil {
		return ConversationDetail{}, err
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return ConversationDetail{}, wrapStore(op, err)
	}
	members, err := s.store.ListMembers(ctx, conversationID, nil)
	if err != nil {
		return ConversationDetail{}, wrapStore(op, err)
	}

	out := ConversationDetail{Conversation: conv, Members: members}
	for _, m := range members {
		if m.UserID == userID {
			out.UnreadCount = m.UnreadCount
		}
	}
	return out, nil
}

// Authorize reports whether userID may read conversationID.
func (s *Service) Authorize(ctx context.Context, conversationID, userID string) error {
	return s.authorize(ctx, "chat.Authorize", conversationID, userID)
}

// authorize checks membership through the directory. The conversation itself
// is only looked up on rejection, to tell a missing conversation apart.
func (s *Service) authorize(ctx context.Context, op, conversationID, userID string) error {
	_, err := s.dir.Member(ctx, conversationID, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotAMember) {
		return wrapStore(op, err)
	}
	if _, cerr := s.store.GetConversation(ctx, conversationID); cerr != nil {
		return wrapStore(op, cerr)
	}
	return OpError{Op: op, Kind: ErrNotAMember}
}
