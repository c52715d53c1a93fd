package bus

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// ErrBusClosed reports emission on a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// In-process bus defaults.
const (
	// DefaultShardCount is the number of serial delivery queues. Events
	// hash to a shard by ordering key, so per-key order holds while
	// distinct keys proceed concurrently.
	DefaultShardCount = 16
	// DefaultShardQueueSize bounds each shard queue.
	DefaultShardQueueSize = 128
	// DefaultMaxDeliveryAttempts bounds handler retries before
	// dead-lettering.
	DefaultMaxDeliveryAttempts = 3
	// DefaultRetryDelay is the pause between redelivery attempts.
	DefaultRetryDelay = 100 * time.Millisecond
)

// Compile-time check that InProcBus implements Bus.
var _ Bus = (*InProcBus)(nil)

type subscription struct {
	id      int
	handler Handler
}

// InProcBus is the in-process Bus implementation: hash-sharded serial
// queues, at-least-once delivery with bounded retries, dead-letter
// records for operators.
type InProcBus struct {
	shards []chan Event

	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID int
	closed bool

	dlMu        sync.Mutex
	deadLetters []DeadLetter

	wg          sync.WaitGroup
	maxAttempts int
	retryDelay  time.Duration
}

// Opts holds configuration options for the in-process bus.
type Opts struct {
	ShardCount  int
	QueueSize   int
	MaxAttempts int
	RetryDelay  time.Duration
}

// Option defines a configuration option for the in-process bus.
type Option func(*Opts)

// WithShardCount sets the number of serial delivery queues.
func WithShardCount(n int) Option {
	return func(o *Opts) { o.ShardCount = n }
}

// WithMaxAttempts sets the delivery retry bound.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithRetryDelay sets the pause between redelivery attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Opts) { o.RetryDelay = d }
}

// NewInProcBus creates and starts an in-process bus.
func NewInProcBus(opts ...Option) *InProcBus {
	cfg := Opts{
		ShardCount:  DefaultShardCount,
		QueueSize:   DefaultShardQueueSize,
		MaxAttempts: DefaultMaxDeliveryAttempts,
		RetryDelay:  DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	b := &InProcBus{
		shards:      make([]chan Event, cfg.ShardCount),
		subs:        make(map[string][]subscription),
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
	}
	for i := range b.shards {
		b.shards[i] = make(chan Event, cfg.QueueSize)
		b.wg.Add(1)
		go b.worker(b.shards[i])
	}
	slog.Debug("InProcBus created", "shards", cfg.ShardCount, "queueSize", cfg.QueueSize)
	return b
}

// Emit publishes an event to the shard owning its ordering key. Blocks
// when the shard queue is full rather than dropping or reordering.
func (b *InProcBus) Emit(ctx context.Context, evt Event) error {
	// The lock is held across the send so Close cannot close the shard
	// channel under an in-flight emission.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	select {
	case b.shards[b.shardFor(evt.Key)] <- evt:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("emit %s cancelled: %w", evt.Topic, ctx.Err())
	}
}

// Subscribe registers a handler for a topic.
func (b *InProcBus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, sub := range list {
			if sub.id == id {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// DeadLetters returns a copy of the dead-letter record.
func (b *InProcBus) DeadLetters() []DeadLetter {
	b.dlMu.Lock()
	defer b.dlMu.Unlock()
	return append([]DeadLetter(nil), b.deadLetters...)
}

// Close stops accepting events and waits for queued deliveries.
func (b *InProcBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, shard := range b.shards {
		close(shard)
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func (b *InProcBus) shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(b.shards)))
}

func (b *InProcBus) worker(shard chan Event) {
	defer b.wg.Done()
	ctx := context.Background()
	for evt := range shard {
		b.mu.RLock()
		subs := append([]subscription(nil), b.subs[evt.Topic]...)
		b.mu.RUnlock()

		for _, sub := range subs {
			b.deliver(ctx, evt, sub)
		}
	}
}

// deliver invokes one handler with bounded retries, dead-lettering on
// exhaustion rather than dropping silently.
func (b *InProcBus) deliver(ctx context.Context, evt Event, sub subscription) {
	var err error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if err = sub.handler(ctx, evt); err == nil {
			return
		}
		slog.Error("InProcBus.deliver: handler failed", "topic", evt.Topic, "key", evt.Key, "attempt", attempt, "error", err)
		if attempt < b.maxAttempts {
			time.Sleep(b.retryDelay)
		}
	}

	b.dlMu.Lock()
	b.deadLetters = append(b.deadLetters, DeadLetter{
		Event:    evt,
		Err:      err.Error(),
		Attempts: b.maxAttempts,
		At:       time.Now(),
	})
	b.dlMu.Unlock()
	slog.Error("InProcBus.deliver: retries exhausted, event dead-lettered", "topic", evt.Topic, "key", evt.Key)
}
