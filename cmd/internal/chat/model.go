// Package chat is the messaging core: durable message storage, the membership
// directory, history pagination over the sliding-window cache, the unread ledger
// and the send path that publishes events after commit.
package chat

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Kind is the message content type.
type Kind string

const (
	KindText    Kind = "TEXT"
	KindImage   Kind = "IMAGE"
	KindFile    Kind = "FILE"
	KindVideo   Kind = "VIDEO"
	KindAudio   Kind = "AUDIO"
	KindSticker Kind = "STICKER"
	KindSystem  Kind = "SYSTEM"
)

// ParseKind accepts any case; empty defaults to TEXT.
func ParseKind(s string) (Kind, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return KindText, true
	}
	switch k := Kind(s); k {
	case KindText, KindImage, KindFile, KindVideo, KindAudio, KindSticker, KindSystem:
		return k, true
	default:
		return "", false
	}
}

type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

const (
	// MaxContentRunes bounds message content length.
	MaxContentRunes = 4000

	// UnknownUserName is shown for senders that resolve to nobody.
	UnknownUserName = "Unknown user"
)

// Message is the persisted, immutable message record.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Kind           Kind
	CreatedAt      time.Time
	ReplyTo        string
}

// Summary is the denormalized last-message snapshot of a conversation.
// A zero At means the conversation has no messages yet.
type Summary struct {
	MessageID string
	Content   string
	Kind      Kind
	SenderID  string
	At        time.Time
}

type Conversation struct {
	ID        string
	Type      ConversationType
	Name      string
	ImageURL  string
	UpdatedAt time.Time
	Last      Summary
}

// Member is a membership record joined with the member's user profile.
type Member struct {
	ConversationID    string
	UserID            string
	Username          string
	Nickname          string
	Avatar            string
	IsAdmin           bool
	IsMuted           bool
	UnreadCount       int64
	LastReadMessageID string
}

// DisplayName prefers the per-conversation nickname.
func (m Member) DisplayName() string {
	if m.Nickname != "" {
		return m.Nickname
	}
	if m.Username != "" {
		return m.Username
	}
	return UnknownUserName
}

// User is the profile subset needed to render a sender.
type User struct {
	ID          string
	Username    string
	DisplayName string
	AvatarURL   string
}

func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Username != "" {
		return u.Username
	}
	return UnknownUserName
}

// MessageView is a message rendered with sender display fields.
type MessageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	Kind           Kind      `json:"kind"`
	CreatedAt      time.Time `json:"created_at"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	SenderAvatar   string    `json:"sender_avatar,omitempty"`
	ReplyTo        string    `json:"reply_to,omitempty"`
}

// Source tells where a history page was served from.
type Source string

const (
	SourceCache Source = "cache"
	SourceStore Source = "store"
)

// Page is one history page, ordered oldest to newest.
type Page struct {
	Messages   []MessageView
	NextCursor *time.Time
	HasNext    bool
	Source     Source
}

// ConversationItem is one row of a user's conversation list.
type ConversationItem struct {
	Conversation
	UnreadCount    int64
	LastSenderName string
}

// ConversationDetail is a conversation as seen by one of its members.
type ConversationDetail struct {
	Conversation
	UnreadCount int64
	Members     []Member
}

func validContent(content string) (string, bool) {
	content = strings.TrimSpace(content)
	if content == "" || !utf8.ValidString(content) {
		return "", false
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return "", false
	}
	return content, true
}

// nextTimestamp returns the creation time for a new message given the latest
// committed one. Timestamps are UTC, microsecond precision, strictly increasing.
func nextTimestamp(now, last time.Time) time.Time {
	ts := now.UTC().Truncate(time.Microsecond)
	if !last.IsZero() && !ts.After(last) {
		ts = last.UTC().Add(time.Microsecond)
	}
	return ts
}
