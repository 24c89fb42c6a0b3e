package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/HuuThai2910/wisdom-social/cmd/internal/chat"
	v1 "github.com/HuuThai2910/wisdom-social/shared/contracts/realtime/v1"
)

func newEnvelope(typ, topic string, payload any, ts time.Time) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		Topic:   topic,
		TS:      ts,
		Payload: raw,
	}, nil
}

func messagePayload(ev chat.MessageEvent) v1.MessagePayload {
	return v1.MessagePayload{
		ID:             ev.ID,
		ConversationID: ev.ConversationID,
		Content:        ev.Content,
		Kind:           string(ev.Kind),
		CreatedAt:      ev.CreatedAt,
		SenderID:       ev.SenderID,
		SenderName:     ev.SenderName,
		SenderAvatar:   ev.SenderAvatar,
		ReplyTo:        ev.ReplyTo,
	}
}

func viewPayload(v chat.MessageView) v1.MessagePayload {
	return v1.MessagePayload{
		ID:             v.ID,
		ConversationID: v.ConversationID,
		Content:        v.Content,
		Kind:           string(v.Kind),
		CreatedAt:      v.CreatedAt,
		SenderID:       v.SenderID,
		SenderName:     v.SenderName,
		SenderAvatar:   v.SenderAvatar,
		ReplyTo:        v.ReplyTo,
	}
}

func conversationUpdatedPayload(ev chat.ConversationUpdatedEvent) v1.ConversationUpdatedPayload {
	return v1.ConversationUpdatedPayload{
		ConversationID:     ev.ConversationID,
		LastMessageID:      ev.LastMessageID,
		LastMessageContent: ev.LastMessageContent,
		LastMessageKind:    string(ev.LastMessageKind),
		LastSenderID:       ev.LastSenderID,
		LastSenderName:     ev.LastSenderName,
		LastMessageAt:      ev.LastMessageAt,
		IsRead:             ev.IsRead,
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, &badJSONError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type badJSONError struct{ err error }

func (e *badJSONError) Error() string { return "invalid JSON: " + e.err.Error() }
func (e *badJSONError) Unwrap() error { return e.err }
