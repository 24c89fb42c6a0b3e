package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/HuuThai2910/wisdom-social/cmd/internal/chat"
	"github.com/HuuThai2910/wisdom-social/cmd/internal/metrics"
	v1 "github.com/HuuThai2910/wisdom-social/shared/contracts/realtime/v1"
)

// Relay forwards envelopes to other nodes.
type Relay interface {
	Publish(ctx context.Context, topic string, env v1.Envelope) error
}

// Fanout implements chat.Publisher on top of a bounded queue served by a
// fixed pool of workers. Publish calls never block: when the queue is full
// the event is dropped, logged and counted.
type Fanout struct {
	log   *slog.Logger
	local Deliverer
	relay Relay
	now   func() time.Time

	workers int
	queue   chan fanoutJob

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

var _ chat.Publisher = (*Fanout)(nil)

type fanoutJob struct {
	topic string
	env   v1.Envelope
}

// FanoutOption configures a Fanout.
type FanoutOption func(*Fanout)

func WithWorkers(n int) FanoutOption {
	return func(f *Fanout) {
		if n > 0 {
			f.workers = n
		}
	}
}

func WithQueueSize(n int) FanoutOption {
	return func(f *Fanout) {
		if n > 0 {
			f.queue = make(chan fanoutJob, n)
		}
	}
}

// WithRelay makes every event also go to other nodes through r.
func WithRelay(r Relay) FanoutOption {
	return func(f *Fanout) { f.relay = r }
}

func WithFanoutClock(now func() time.Time) FanoutOption {
	return func(f *Fanout) {
		if now != nil {
			f.now = now
		}
	}
}

// NewFanout constructs a dispatcher delivering to local. Call Start to run the workers.
func NewFanout(log *slog.Logger, local Deliverer, opts ...FanoutOption) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	f := &Fanout{
		log:     log,
		local:   local,
		now:     time.Now,
		workers: defaultFanoutWorkers,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.queue == nil {
		f.queue = make(chan fanoutJob, defaultFanoutQueue)
	}
	return f
}

// Start launches the workers. It is a no-op after the first call or after Close.
func (f *Fanout) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started || f.closed {
		return
	}
	f.started = true
	for i := 0; i < f.workers; i++ {
		f.wg.Add(1)
		go f.work()
	}
}

// Close stops accepting events and waits for the queued ones to be delivered.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()

	f.wg.Wait()
}

// Pending returns the number of queued events.
func (f *Fanout) Pending() int { return len(f.queue) }

func (f *Fanout) PublishMessage(_ context.Context, ev chat.MessageEvent) {
	topic := v1.ConversationTopic(ev.ConversationID)
	env, err := newEnvelope(v1.TypeMessageNew, topic, messagePayload(ev), f.now().UTC())
	if err != nil {
		f.drop("encode_error", topic, err)
		return
	}
	metrics.FanoutEvents.WithLabelValues("message").Inc()
	f.enqueue(fanoutJob{topic: topic, env: env})
}

func (f *Fanout) PublishConversationUpdated(_ context.Context, userID string, ev chat.ConversationUpdatedEvent) {
	topic := v1.UserTopic(userID)
	env, err := newEnvelope(v1.TypeConversationUpdated, topic, conversationUpdatedPayload(ev), f.now().UTC())
	if err != nil {
		f.drop("encode_error", topic, err)
		return
	}
	metrics.FanoutEvents.WithLabelValues("conversation_updated").Inc()
	f.enqueue(fanoutJob{topic: topic, env: env})
}

func (f *Fanout) enqueue(job fanoutJob) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		f.drop("closed", job.topic, nil)
		return
	}
	select {
	case f.queue <- job:
	default:
		f.drop("queue_full", job.topic, nil)
	}
}

func (f *Fanout) drop(reason, topic string, err error) {
	metrics.FanoutDropped.WithLabelValues(reason).Inc()
	if err != nil {
		f.log.Warn("fanout.drop", "reason", reason, "topic", topic, "err", err)
		return
	}
	f.log.Warn("fanout.drop", "reason", reason, "topic", topic)
}

func (f *Fanout) work() {
	defer f.wg.Done()
	for job := range f.queue {
		f.dispatch(job)
	}
}

func (f *Fanout) dispatch(job fanoutJob) {
	if f.local != nil {
		f.local.Deliver(job.topic, job.env)
	}
	if f.relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), fanoutRelayTimeout)
	defer cancel()
	if err := f.relay.Publish(ctx, job.topic, job.env); err != nil {
		f.drop("relay_error", job.topic, err)
	}
}
