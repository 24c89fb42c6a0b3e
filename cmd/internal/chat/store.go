package chat

import (
	"context"
	"sync"
	"time"
)

// Store is the durable side of the messaging core.
//
// Requirements:
//   - message creation timestamps are assigned by the store and strictly increase per conversation
//   - writers to one conversation are serialized by the transaction that appends
//   - unread increments and resets are single atomic statements
//   - ListMessages is ordered newest first
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]ConversationItem, error)
	ListMessages(ctx context.Context, in ListMessagesInput) ([]Message, error)

	MemberSource
	UserLookup

	ResetUnread(ctx context.Context, conversationID, userID string) error
	UnreadCount(ctx context.Context, conversationID, userID string) (int64, error)

	Close() error
}

// Tx is one write transaction. AfterCommit hooks run once, after Commit
// succeeds, and never after Rollback.
type Tx interface {
	// AppendMessage locks the conversation and appends a message with a
	// store-assigned id and timestamp.
	AppendMessage(ctx context.Context, in AppendMessageInput) (Appended, error)
	UpdateSummary(ctx context.Context, m Message) error
	// IncrementUnreadExcept bumps every member's counter except senderID and
	// returns the number of members affected.
	IncrementUnreadExcept(ctx context.Context, conversationID, senderID string) (int64, error)

	AfterCommit(fn func())
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// MemberSource resolves membership records.
type MemberSource interface {
	// GetMember returns ErrNotAMember when no record exists.
	GetMember(ctx context.Context, conversationID, userID string) (Member, error)
	// ListMembers returns the given members, or all members when userIDs is nil.
	ListMembers(ctx context.Context, conversationID string, userIDs []string) ([]Member, error)
	MemberIDs(ctx context.Context, conversationID string) ([]string, error)
}

// UserLookup resolves user profiles, including users who left a conversation.
type UserLookup interface {
	Users(ctx context.Context, userIDs []string) (map[string]User, error)
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Kind           Kind
	ReplyTo        string
	Now            time.Time
}

// Appended is a staged message and the timestamp of the message it follows,
// zero for the first message of the conversation. Both are read under the
// conversation lock.
type Appended struct {
	Message
	Previous time.Time
}

// ListMessagesInput selects messages strictly older than Before (all when nil).
type ListMessagesInput struct {
	ConversationID string
	Before         *time.Time
	Limit          int
}

// CreateConversationInput seeds a conversation; used by tooling and tests.
type CreateConversationInput struct {
	ID       string
	Type     ConversationType
	Name     string
	ImageURL string
	Members  []NewMember
}

type NewMember struct {
	UserID   string
	Nickname string
	IsAdmin  bool
}

// Seeder creates users and conversations. Conversation administration is owned
// elsewhere; this exists for development data and tests.
type Seeder interface {
	CreateUser(ctx context.Context, u User) error
	CreateConversation(ctx context.Context, in CreateConversationInput) error
}

// commitHooks collects post-commit callbacks.
type commitHooks struct {
	mu  sync.Mutex
	fns []func()
}

func (h *commitHooks) add(fn func()) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

func (h *commitHooks) run() {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (h *commitHooks) discard() {
	h.mu.Lock()
	h.fns = nil
	h.mu.Unlock()
}
