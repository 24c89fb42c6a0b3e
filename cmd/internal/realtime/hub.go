package realtime

import (
	"log/slog"
	"sync"

	"github.com/HuuThai2910/wisdom-social/cmd/internal/metrics"
	v1 "github.com/HuuThai2910/wisdom-social/shared/contracts/realtime/v1"
)

// Deliverer hands an envelope to local subscribers of a topic.
type Deliverer interface {
	Deliver(topic string, env v1.Envelope) int
}

// Hub is the registry of topics and the sessions subscribed to them.
// Empty topics are dropped so the registry tracks live subscriptions only.
type Hub struct {
	log *slog.Logger

	mu       sync.Mutex
	topics   map[string]*Topic
	sessions map[string]map[string]struct{} // session id -> topic names
}

var _ Deliverer = (*Hub)(nil)

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		topics:   make(map[string]*Topic),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds client to topic. Subscribing twice is a no-op.
func (h *Hub) Subscribe(topic string, client *Client) {
	if h == nil || client == nil || topic == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[topic]
	if !ok {
		t = NewTopic(h.log, topic)
		h.topics[topic] = t
	}
	t.Join(client)

	subs := h.sessions[client.SessionID]
	if subs == nil {
		subs = make(map[string]struct{})
		h.sessions[client.SessionID] = subs
	}
	subs[topic] = struct{}{}
}

// Unsubscribe removes a session from one topic.
func (h *Hub) Unsubscribe(topic, sessionID string) {
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(topic, sessionID)
}

// UnsubscribeAll removes a session from every topic it joined.
func (h *Hub) UnsubscribeAll(sessionID string) {
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range h.sessions[sessionID] {
		h.leaveLocked(topic, sessionID)
	}
	delete(h.sessions, sessionID)
}

func (h *Hub) leaveLocked(topic, sessionID string) {
	if subs := h.sessions[sessionID]; subs != nil {
		delete(subs, topic)
		if len(subs) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	t, ok := h.topics[topic]
	if !ok {
		return
	}
	if t.Leave(sessionID) == 0 {
		delete(h.topics, topic)
	}
}

// Subscribed reports whether the session is subscribed to topic.
func (h *Hub) Subscribed(topic, sessionID string) bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[sessionID][topic]
	return ok
}

// Subscribers returns the number of local sessions on topic.
func (h *Hub) Subscribers(topic string) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	t := h.topics[topic]
	h.mu.Unlock()
	return t.Len()
}

// Deliver broadcasts env to the local subscribers of topic and returns how
// many deliveries were dropped. Dropped deliveries are counted, never retried.
func (h *Hub) Deliver(topic string, env v1.Envelope) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	t := h.topics[topic]
	h.mu.Unlock()

	dropped := t.Broadcast(env)
	if dropped > 0 {
		metrics.FanoutDropped.WithLabelValues("client_full").Add(float64(dropped))
		h.log.Warn("fanout.deliver.dropped", "topic", topic, "type", env.Type, "dropped", dropped)
	}
	return dropped
}
