package bus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentinelsec/sentinel/internal/metrics"
)

// MemoryConfig tunes the in-process transport.
type MemoryConfig struct {
	QueueSize      int           // bound of each subscription queue
	PublishTimeout time.Duration // longest a publish may block on a full queue
	DrainTimeout   time.Duration // how long Close waits for queued work
}

// DefaultMemoryConfig returns the documented defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		QueueSize:      10000,
		PublishTimeout: 100 * time.Millisecond,
		DrainTimeout:   5 * time.Second,
	}
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	def := DefaultMemoryConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = def.PublishTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	return c
}

type subscription struct {
	topic   string
	handler Handler
	queue   chan []byte
	quit    chan struct{}
	done    chan struct{}
	stop    sync.Once
}

func (s *subscription) signalStop() {
	s.stop.Do(func() { close(s.quit) })
}

// MemoryBus is the in-process transport. Each subscription owns a bounded
// queue and a single consumer goroutine, so handler invocations are
// serialized per subscription and FIFO per (topic, publisher).
type MemoryBus struct {
	cfg    MemoryConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool
}

// NewMemoryBus builds an in-process bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		cfg:    cfg.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string][]*subscription),
	}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	metrics.BusPublishedTotal.WithLabelValues(topic).Inc()
	return b.dispatch(ctx, topic, payload)
}

// dispatch enqueues payload without counting a publish; the broker bus
// reuses it for messages that were already counted on their way in.
func (b *MemoryBus) dispatch(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}

	timer := time.NewTimer(b.cfg.PublishTimeout)
	defer timer.Stop()

	var dropped, expired bool
	for _, sub := range subs {
		if expired {
			if !tryEnqueue(sub, payload) {
				dropped = true
				b.countDrop(topic, "timeout")
			}
			continue
		}
		select {
		case sub.queue <- payload:
		case <-sub.quit:
			// Subscription is going away; nothing to deliver to.
		case <-timer.C:
			expired = true
			if !tryEnqueue(sub, payload) {
				dropped = true
				b.countDrop(topic, "timeout")
			}
		case <-ctx.Done():
			b.countDrop(topic, "canceled")
			return ctx.Err()
		}
	}
	if dropped {
		return ErrDropped
	}
	return nil
}

func tryEnqueue(sub *subscription, payload []byte) bool {
	select {
	case sub.queue <- payload:
		return true
	default:
		return false
	}
}

func (b *MemoryBus) countDrop(topic, reason string) {
	metrics.BusDroppedTotal.WithLabelValues(topic, reason).Inc()
	log.Warn().Str("topic", topic).Str("reason", reason).Msg("Bus payload dropped")
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(topic string, fn Handler) func() {
	sub := &subscription{
		topic:   topic,
		handler: fn,
		queue:   make(chan []byte, b.cfg.QueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	go b.consume(sub)

	// The stop function blocks until queued payloads have been handled,
	// so callers can safely tear down anything the handler writes to.
	return func() {
		b.remove(sub)
		sub.signalStop()
		<-sub.done
	}
}

func (b *MemoryBus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// consume is the single per-subscription worker. After a stop signal it
// finishes whatever is already queued, then exits.
func (b *MemoryBus) consume(sub *subscription) {
	defer close(sub.done)
	for {
		select {
		case payload := <-sub.queue:
			b.invoke(sub, payload)
		case <-sub.quit:
			for {
				select {
				case payload := <-sub.queue:
					b.invoke(sub, payload)
				default:
					return
				}
			}
		}
	}
}

func (b *MemoryBus) invoke(sub *subscription, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("topic", sub.topic).
				Msg("Subscriber handler panicked; subscription continues")
		}
	}()
	sub.handler(b.ctx, payload)
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.signalStop()
	}

	deadline := time.NewTimer(b.cfg.DrainTimeout)
	defer deadline.Stop()
	for _, sub := range all {
		select {
		case <-sub.done:
		case <-deadline.C:
			log.Warn().Msg("Bus drain timeout; abandoning in-flight handlers")
			b.cancel()
			return nil
		}
	}
	b.cancel()
	return nil
}
