package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	v1 "github.com/HuuThai2910/wisdom-social/shared/contracts/realtime/v1"
)

// DefaultRelayChannel is the Redis pub/sub channel shared by all nodes.
const DefaultRelayChannel = "chat:events"

// RedisRelay forwards envelopes between nodes over Redis pub/sub.
// Frames carry the origin node id so a node skips its own publications,
// which it already delivered locally.
type RedisRelay struct {
	log     *slog.Logger
	client  redis.UniversalClient
	channel string
	node    string

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

var _ Relay = (*RedisRelay)(nil)

type relayFrame struct {
	Node     string      `json:"node"`
	Topic    string      `json:"topic"`
	Envelope v1.Envelope `json:"envelope"`
}

// NewRedisRelay constructs a relay. An empty node id gets a random one.
func NewRedisRelay(log *slog.Logger, client redis.UniversalClient, node string) *RedisRelay {
	if log == nil {
		log = slog.Default()
	}
	if node == "" {
		node = NewRandomHex(8)
	}
	return &RedisRelay{
		log:     log,
		client:  client,
		channel: DefaultRelayChannel,
		node:    node,
	}
}

// Node returns this relay's origin id.
func (r *RedisRelay) Node() string { return r.node }

func (r *RedisRelay) Publish(ctx context.Context, topic string, env v1.Envelope) error {
	if r == nil || r.client == nil {
		return errors.New("realtime: nil relay")
	}
	b, err := json.Marshal(relayFrame{Node: r.node, Topic: topic, Envelope: env})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, b).Err()
}

// Start subscribes to the relay channel and delivers remote frames to local
// until ctx is cancelled or Close is called. It returns once the
// subscription is confirmed by Redis.
func (r *RedisRelay) Start(ctx context.Context, local Deliverer) error {
	if r == nil || r.client == nil {
		return errors.New("realtime: nil relay")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return errors.New("realtime: relay already started")
	}

	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.pubsub = ps
	r.done = make(chan struct{})

	go r.loop(ctx, ps.Channel(), local, r.done)
	r.log.Info("relay.started", "channel", r.channel, "node", r.node)
	return nil
}

func (r *RedisRelay) loop(ctx context.Context, ch <-chan *redis.Message, local Deliverer, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var f relayFrame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				r.log.Warn("relay.frame.invalid", "err", err)
				continue
			}
			if f.Node == r.node || f.Topic == "" {
				continue
			}
			local.Deliver(f.Topic, f.Envelope)
		}
	}
}

// Close unsubscribes and waits for the delivery loop to exit.
func (r *RedisRelay) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	ps, done := r.pubsub, r.done
	r.pubsub, r.done = nil, nil
	r.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
