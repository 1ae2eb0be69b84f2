package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sentinelsec/sentinel/internal/metrics"
)

const (
	channelPrefix    = "sentinel:"
	reconnectMinWait = 100 * time.Millisecond
	reconnectMaxWait = 30 * time.Second
	healthInterval   = time.Second
)

// BrokerBus distributes payloads across processes over Redis pub/sub.
// Local fan-out goes through an embedded MemoryBus, which keeps the
// per-subscription serialization and drain guarantees identical to the
// in-process transport. While the broker is unreachable the bus degrades
// to memory-only delivery and a background loop probes for reconnection
// with exponential backoff.
type BrokerBus struct {
	client *redis.Client
	mem    *MemoryBus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connected atomic.Bool

	mu     sync.Mutex
	topics map[string]*topicStream
	closed bool
}

// topicStream is one Redis subscription shared by all local subscribers
// of a topic.
type topicStream struct {
	pubsub *redis.PubSub
	refs   int
}

// NewBrokerBus connects to the broker at url (redis:// form) and returns
// the bus. The initial connection is verified; a broker that is down at
// startup is not fatal, the bus simply starts degraded.
func NewBrokerBus(url string, cfg MemoryConfig) (*BrokerBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithCancel(context.Background())
	b := &BrokerBus{
		client: client,
		mem:    NewMemoryBus(cfg),
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]*topicStream),
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("Broker unreachable at startup; running degraded to in-memory delivery")
		b.setConnected(false)
	} else {
		b.setConnected(true)
	}

	b.wg.Add(1)
	go b.monitor()

	return b, nil
}

func (b *BrokerBus) setConnected(up bool) {
	b.connected.Store(up)
	if up {
		metrics.BusBrokerState.Set(1)
	} else {
		metrics.BusBrokerState.Set(0)
	}
}

// Publish implements Bus. When the broker is healthy the payload goes out
// on the prefixed channel and comes back to local subscribers through the
// topic stream; when it is not, delivery is memory-only for this payload.
func (b *BrokerBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	metrics.BusPublishedTotal.WithLabelValues(topic).Inc()

	if !b.connected.Load() {
		return b.mem.dispatch(ctx, topic, payload)
	}

	if err := b.client.Publish(ctx, channelPrefix+topic, payload).Err(); err != nil {
		if b.connected.CompareAndSwap(true, false) {
			b.setConnected(false)
			log.Warn().Err(err).Str("topic", topic).
				Msg("Broker publish failed; degrading to in-memory delivery")
		}
		return b.mem.dispatch(ctx, topic, payload)
	}
	return nil
}

// Subscribe implements Bus. The first subscriber of a topic opens the
// Redis stream; later subscribers share it.
func (b *BrokerBus) Subscribe(topic string, fn Handler) func() {
	memUnsub := b.mem.Subscribe(topic, fn)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return memUnsub
	}
	stream, ok := b.topics[topic]
	if !ok {
		pubsub := b.client.Subscribe(b.ctx, channelPrefix+topic)
		stream = &topicStream{pubsub: pubsub}
		b.topics[topic] = stream
		b.wg.Add(1)
		go b.consumeTopic(topic, pubsub)
	}
	stream.refs++
	b.mu.Unlock()

	return func() {
		memUnsub()
		b.releaseTopic(topic)
	}
}

func (b *BrokerBus) releaseTopic(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stream, ok := b.topics[topic]
	if !ok {
		return
	}
	stream.refs--
	if stream.refs <= 0 {
		_ = stream.pubsub.Close()
		delete(b.topics, topic)
	}
}

// consumeTopic moves broker messages into the local bus. go-redis
// resubscribes internally after connection loss, so the channel simply
// goes quiet during an outage and resumes afterwards.
func (b *BrokerBus) consumeTopic(topic string, pubsub *redis.PubSub) {
	defer b.wg.Done()
	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := b.mem.dispatch(b.ctx, topic, []byte(msg.Payload)); err != nil && err != ErrClosed {
				log.Warn().Err(err).Str("topic", topic).Msg("Local delivery of broker message failed")
			}
		case <-b.ctx.Done():
			return
		}
	}
}

// monitor probes broker health. While connected it pings once a second;
// after a failure it backs off 100ms doubling to a 30s cap until the
// broker answers again.
func (b *BrokerBus) monitor() {
	defer b.wg.Done()
	wait := healthInterval
	backoff := reconnectMinWait

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(wait):
		}

		pingCtx, cancel := context.WithTimeout(b.ctx, 2*time.Second)
		err := b.client.Ping(pingCtx).Err()
		cancel()

		switch {
		case err == nil && !b.connected.Load():
			b.setConnected(true)
			log.Info().Msg("Broker connection restored; resuming broker delivery")
			wait = healthInterval
			backoff = reconnectMinWait
		case err == nil:
			wait = healthInterval
		default:
			if b.connected.CompareAndSwap(true, false) {
				b.setConnected(false)
				log.Warn().Err(err).Msg("Broker health check failed; degrading to in-memory delivery")
				backoff = reconnectMinWait
			}
			wait = backoff
			backoff *= 2
			if backoff > reconnectMaxWait {
				backoff = reconnectMaxWait
			}
		}
	}
}

// Close implements Bus. Redis streams close first so no new payloads
// arrive while the memory bus drains.
func (b *BrokerBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	streams := make([]*topicStream, 0, len(b.topics))
	for _, s := range b.topics {
		streams = append(streams, s)
	}
	b.topics = make(map[string]*topicStream)
	b.mu.Unlock()

	for _, s := range streams {
		_ = s.pubsub.Close()
	}
	b.cancel()
	b.wg.Wait()

	err := b.mem.Close()
	if cerr := b.client.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
