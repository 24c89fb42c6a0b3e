package chat

import (
	"context"
	"time"
)

// MessageEvent is published to the conversation topic after a send commits.
type MessageEvent struct {
	ID             string
	ConversationID string
	Content        string
	Kind           Kind
	CreatedAt      time.Time
	SenderID       string
	SenderName     string
	SenderAvatar   string
	ReplyTo        string
}

// ConversationUpdatedEvent is published to every member's private topic.
type ConversationUpdatedEvent struct {
	ConversationID     string
	LastMessageID      string
	LastMessageContent string
	LastMessageKind    Kind
	LastSenderID       string
	LastSenderName     string
	LastMessageAt      time.Time
	IsRead             bool
}

// Publisher delivers committed events. Implementations must not block the
// caller on delivery and must absorb delivery failures.
type Publisher interface {
	PublishMessage(ctx context.Context, ev MessageEvent)
	PublishConversationUpdated(ctx context.Context, userID string, ev ConversationUpdatedEvent)
}

type NopPublisher struct{}

func (NopPublisher) PublishMessage(context.Context, MessageEvent) {}

func (NopPublisher) PublishConversationUpdated(context.Context, string, ConversationUpdatedEvent) {}

func messageEvent(v MessageView) MessageEvent {
	return MessageEvent{
		ID:             v.ID,
		ConversationID: v.ConversationID,
		Content:        v.Content,
		Kind:           v.Kind,
		CreatedAt:      v.CreatedAt,
		SenderID:       v.SenderID,
		SenderName:     v.SenderName,
		SenderAvatar:   v.SenderAvatar,
		ReplyTo:        v.ReplyTo,
	}
}

func conversationUpdated(v MessageView, recipientID string) ConversationUpdatedEvent {
	return ConversationUpdatedEvent{
		ConversationID:     v.ConversationID,
		LastMessageID:      v.ID,
		LastMessageContent: v.Content,
		LastMessageKind:    v.Kind,
		LastSenderID:       v.SenderID,
		LastSenderName:     v.SenderName,
		LastMessageAt:      v.CreatedAt,
		IsRead:             recipientID == v.SenderID,
	}
}
