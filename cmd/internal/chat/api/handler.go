// Package chatapi is the thin REST surface over the chat service.
package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/HuuThai2910/wisdom-social/cmd/internal/auth/token"
	"github.com/HuuThai2910/wisdom-social/cmd/internal/chat"
)

const maxSendBodyBytes = 32 << 10

// Service is the chat functionality exposed over HTTP.
type Service interface {
	SendMessage(ctx context.Context, in chat.SendMessageInput) (chat.MessageView, error)
	FetchHistory(ctx context.Context, in chat.FetchHistoryInput) (chat.Page, error)
	MarkAsRead(ctx context.Context, conversationID, userID string) error
	ListConversations(ctx context.Context, userID string) ([]chat.ConversationItem, error)
	GetConversation(ctx context.Context, conversationID, userID string) (chat.ConversationDetail, error)
}

// Handler serves /api/conversations.
type Handler struct {
	log      *slog.Logger
	svc      Service
	verifier token.Verifier
	devAuth  bool
	now      func() time.Time
}

// HandlerOption configures Handler.
type HandlerOption func(*Handler)

// WithVerifier authenticates callers by PASETO bearer token.
func WithVerifier(v token.Verifier) HandlerOption {
	return func(h *Handler) { h.verifier = v }
}

// WithDevUserHeader trusts the X-User-ID header. Development only.
func WithDevUserHeader(enabled bool) HandlerOption {
	return func(h *Handler) { h.devAuth = enabled }
}

func NewHandler(log *slog.Logger, svc Service, opts ...HandlerOption) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("chatapi: nil service")
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{log: log, svc: svc, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.verifier == nil && !h.devAuth {
		return nil, errors.New("chatapi: no authentication configured")
	}
	return h, nil
}

// Routes mounts the chat endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/conversations", func(r chi.Router) {
		r.Use(h.requireUser)

		r.Get("/", h.handleList)
		r.Get("/{id}", h.handleGet)
		r.Get("/{id}/messages", h.handleHistory)
		r.Post("/{id}/messages", h.handleSend)
		r.Post("/{id}/read", h.handleRead)
	})
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	var req sendMessageRequest
	if err := decodeJSON(w, r, maxSendBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	v, err := h.svc.SendMessage(r.Context(), chat.SendMessageInput{
		ConversationID: chi.URLParam(r, "id"),
		SenderID:       userID,
		Content:        req.Content,
		Kind:           req.Type,
		ReplyTo:        req.ReplyTo,
	})
	if err != nil {
		h.writeServiceError(w, r, "chat.api.send", err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	q := r.URL.Query()

	in := chat.FetchHistoryInput{
		ConversationID: chi.URLParam(r, "id"),
		RequesterID:    userID,
	}
	if raw := strings.TrimSpace(q.Get("before")); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_cursor", "before must be an RFC3339 timestamp")
			return
		}
		in.Before = &t
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
			return
		}
		in.Limit = n
	}

	page, err := h.svc.FetchHistory(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, "chat.api.history", err)
		return
	}

	msgs := page.Messages
	if msgs == nil {
		msgs = []chat.MessageView{}
	}
	writeJSON(w, http.StatusOK, messageListResponse{Data: msgs, NextCursor: page.NextCursor, HasNext: page.HasNext})
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.MarkAsRead(r.Context(), chi.URLParam(r, "id"), userFrom(r.Context())); err != nil {
		h.writeServiceError(w, r, "chat.api.read", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListConversations(r.Context(), userFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, "chat.api.list", err)
		return
	}

	out := conversationListResponse{Data: make([]conversationResponse, 0, len(items))}
	for _, it := range items {
		out.Data = append(out.Data, toConversationResponse(it.Conversation, it.UnreadCount, it.LastSenderName))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.GetConversation(r.Context(), chi.URLParam(r, "id"), userFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, "chat.api.get", err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailResponse(d))
}

// writeServiceError maps chat error kinds onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, event string, err error) {
	switch {
	case chat.IsInvalidInput(err):
		msg := "invalid input"
		var op chat.OpError
		if errors.As(err, &op) && op.Msg != "" {
			msg = op.Msg
		}
		writeError(w, http.StatusBadRequest, "invalid_input", msg)
	case chat.IsNotAMember(err):
		writeError(w, http.StatusForbidden, "not_a_member", "not a member of this conversation")
	case chat.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
	case chat.IsStoreUnavailable(err):
		h.log.Warn(event+".unavailable", "err", err, "path", r.URL.Path)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "temporarily unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "timeout", "request cancelled")
	default:
		h.log.Error(event+".fail", "err", err, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
