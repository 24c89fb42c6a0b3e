package realtime

import (
	"log/slog"
	"sync"

	v1 "github.com/HuuThai2910/wisdom-social/shared/contracts/realtime/v1"
)

// Topic is an in-memory subscriber set with non-blocking broadcast.
//
// Join/Leave are safe under concurrent Broadcast. Broadcast never blocks and
// drops deliveries to clients whose queue is full.
type Topic struct {
	log  *slog.Logger
	Name string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewTopic constructs an empty topic.
func NewTopic(log *slog.Logger, name string) *Topic {
	if log == nil {
		log = slog.Default()
	}
	return &Topic{
		log:     log,
		Name:    name,
		members: make(map[string]*Client),
	}
}

// Join adds a client to the topic.
func (t *Topic) Join(client *Client) {
	if t == nil || client == nil || client.SessionID == "" {
		return
	}

	t.mu.Lock()
	t.members[client.SessionID] = client
	t.mu.Unlock()

	t.log.Debug("topic.join", "topic", t.Name, "session_id", client.SessionID, "user_id", client.UserID)
}

// Leave removes a session and reports how many subscribers remain.
// The client itself stays open; it may be subscribed elsewhere.
func (t *Topic) Leave(sessionID string) int {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	delete(t.members, sessionID)
	n := len(t.members)
	t.mu.Unlock()

	t.log.Debug("topic.leave", "topic", t.Name, "session_id", sessionID)
	return n
}

// Len returns the number of subscribers.
func (t *Topic) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Broadcast delivers env to every subscriber and returns the number of
// deliveries dropped because a client queue was full or closing.
func (t *Topic) Broadcast(env v1.Envelope) (dropped int) {
	if t == nil {
		return 0
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, m := range t.members {
		if m == nil {
			continue
		}
		if !m.offer(env) {
			dropped++
		}
	}
	return dropped
}
