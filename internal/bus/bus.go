// Package bus provides topic-based pub/sub between pipeline stages. Two
// transports exist: an in-process bus with bounded per-subscription queues,
// and a Redis-backed broker bus that degrades to in-process delivery while
// the broker is unreachable. Delivery is at-least-once within a process and
// best-effort across processes; subscribers must tolerate replays.
package bus

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"
)

// Topics carried by the pipeline.
const (
	TopicAlerts         = "alerts"
	TopicInvestigations = "investigations"
	TopicActions        = "actions"
)

var (
	// ErrDropped reports that a payload was dropped because a
	// subscription queue stayed full past the publish timeout.
	ErrDropped = errors.New("bus: payload dropped")
	// ErrClosed reports use after Close.
	ErrClosed = errors.New("bus: closed")
)

// Handler consumes one payload. Invocations are serialized per
// subscription; the payload slice must not be retained or mutated.
type Handler func(ctx context.Context, payload []byte)

// Bus is the transport contract shared by the memory and broker variants.
type Bus interface {
	// Publish enqueues payload for local subscribers of topic. It blocks
	// at most the configured publish timeout and returns ErrDropped if a
	// subscription queue could not accept the payload in time.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers fn for topic and returns its cancellation
	// handle. At most one invocation of fn is in flight at a time. The
	// cancellation handle blocks until already-queued payloads have been
	// handled; no invocation of fn starts after it returns.
	Subscribe(topic string, fn Handler) (unsubscribe func())
	// Close cancels all subscriptions and drains queued payloads for up
	// to the configured drain timeout.
	Close() error
}

// PublishJSON marshals v and publishes it. A value that cannot be
// serialized is dropped with an ERROR log, never delivered partially.
func PublishJSON(ctx context.Context, b Bus, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Dropping payload that failed to serialize")
		return err
	}
	return b.Publish(ctx, topic, payload)
}
