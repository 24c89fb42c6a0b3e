// Package v1 defines the Wisdom Realtime Protocol v1 contract.
//
// It is shared between the server and clients so the wire format has a single
// authoritative definition. Keep it dependency-light.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "wisdom.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe and TypeUnsubscribe manage topic subscriptions (client -> server).
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	// TypeSubscribed and TypeUnsubscribed confirm them (server -> client).
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a committed send (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew carries a committed message (server -> conversation topic).
	TypeMessageNew = "message_new"

	// TypeHistoryFetch requests one page of history (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns the page (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeMarkRead resets the caller's unread counter (client -> server).
	TypeMarkRead = "mark_read"

	// TypeConversationUpdated carries a conversation summary (server -> user topic).
	TypeConversationUpdated = "conversation_updated"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes carried by ErrorPayload.Code.
const (
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeNotAMember   = "not_a_member"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeRateLimited  = "rate_limited"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSubscribe,
		TypeUnsubscribe,
		TypeSubscribed,
		TypeUnsubscribed,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeMarkRead,
		TypeConversationUpdated,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Topics ----

const (
	conversationTopicPrefix = "conversation:"
	userTopicPrefix         = "user:"
	userTopicSuffix         = ":conversations"
)

// ConversationTopic is where message events of a conversation are published.
func ConversationTopic(conversationID string) string {
	return conversationTopicPrefix + conversationID
}

// UserTopic is the private topic carrying a user's conversation summaries.
func UserTopic(userID string) string {
	return userTopicPrefix + userID + userTopicSuffix
}

// ParseConversationTopic returns the conversation id of a conversation topic.
func ParseConversationTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, conversationTopicPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// ParseUserTopic returns the user id of a private user topic.
func ParseUserTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, userTopicPrefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, userTopicSuffix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct {
	Token string `json:"token,omitempty"`
}

// HelloAckPayload identifies the session and the private topic it was subscribed to.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	UserTopic string `json:"user_topic"`
}

type SubscribePayload struct {
	Topic string `json:"topic"`
}

type SubscribedPayload struct {
	Topic string `json:"topic"`
}

// MessageSendPayload requests sending a message into a conversation.
type MessageSendPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
	Content        string `json:"content"`
	Kind           string `json:"kind,omitempty"`
	ReplyTo        string `json:"reply_to,omitempty"`
}

// MessageAckPayload acknowledges a send with the canonical server identity.
type MessageAckPayload struct {
	ConversationID string    `json:"conversation_id"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
	MessageID      string    `json:"message_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessagePayload describes one message, as pushed and as returned in history.
type MessagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	Kind           string    `json:"kind"`
	CreatedAt      time.Time `json:"created_at"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	SenderAvatar   string    `json:"sender_avatar,omitempty"`
	ReplyTo        string    `json:"reply_to,omitempty"`
}

// HistoryFetchPayload requests messages strictly older than Before (newest page when nil).
type HistoryFetchPayload struct {
	ConversationID string     `json:"conversation_id"`
	Before         *time.Time `json:"before,omitempty"`
	Limit          int        `json:"limit,omitempty"`
}

// HistoryChunkPayload returns one page, ordered oldest to newest.
type HistoryChunkPayload struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []MessagePayload `json:"messages"`
	NextCursor     *time.Time       `json:"next_cursor,omitempty"`
	HasNext        bool             `json:"has_next"`
}

type MarkReadPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationUpdatedPayload is the per-member conversation summary.
type ConversationUpdatedPayload struct {
	ConversationID     string    `json:"conversation_id"`
	LastMessageID      string    `json:"last_message_id"`
	LastMessageContent string    `json:"last_message_content"`
	LastMessageKind    string    `json:"last_message_kind"`
	LastSenderID       string    `json:"last_sender_id"`
	LastSenderName     string    `json:"last_sender_name"`
	LastMessageAt      time.Time `json:"last_message_at"`
	IsRead             bool      `json:"is_read"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
