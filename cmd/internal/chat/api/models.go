package chatapi

import (
	"time"

	"github.com/HuuThai2910/wisdom-social/cmd/internal/chat"
)

type sendMessageRequest struct {
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type messageListResponse struct {
	Data       []chat.MessageView `json:"data"`
	NextCursor *time.Time         `json:"next_cursor,omitempty"`
	HasNext    bool               `json:"has_next"`
}

type lastMessageResponse struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Type       chat.Kind `json:"type"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	At         time.Time `json:"at"`
}

type conversationResponse struct {
	ID          string                `json:"id"`
	Type        chat.ConversationType `json:"type"`
	Name        string                `json:"name,omitempty"`
	ImageURL    string                `json:"image_url,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
	LastMessage *lastMessageResponse  `json:"last_message,omitempty"`
	UnreadCount int64                 `json:"unread_count"`
}

type memberResponse struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
	IsAdmin     bool   `json:"is_admin"`
	IsMuted     bool   `json:"is_muted"`
}

type conversationDetailResponse struct {
	conversationResponse
	Members []memberResponse `json:"members"`
}

type conversationListResponse struct {
	Data []conversationResponse `json:"data"`
}

func toConversationResponse(c chat.Conversation, unread int64, lastSender string) conversationResponse {
	out := conversationResponse{
		ID:          c.ID,
		Type:        c.Type,
		Name:        c.Name,
		ImageURL:    c.ImageURL,
		UpdatedAt:   c.UpdatedAt,
		UnreadCount: unread,
	}
	if !c.Last.At.IsZero() {
		out.LastMessage = &lastMessageResponse{
			ID:         c.Last.MessageID,
			Content:    c.Last.Content,
			Type:       c.Last.Kind,
			SenderID:   c.Last.SenderID,
			SenderName: lastSender,
			At:         c.Last.At,
		}
	}
	return out
}

func toDetailResponse(d chat.ConversationDetail) conversationDetailResponse {
	var lastSender string
	members := make([]memberResponse, 0, len(d.Members))
	for _, m := range d.Members {
		if m.UserID == d.Last.SenderID {
			lastSender = m.DisplayName()
		}
		members = append(members, memberResponse{
			UserID:      m.UserID,
			DisplayName: m.DisplayName(),
			Avatar:      m.Avatar,
			IsAdmin:     m.IsAdmin,
			IsMuted:     m.IsMuted,
		})
	}
	return conversationDetailResponse{
		conversationResponse: toConversationResponse(d.Conversation, d.UnreadCount, lastSender),
		Members:              members,
	}
}
