// Package capture provides the packet sources feeding the detection
// engine: a JSONL replay source, a seeded synthetic generator, and a
// spool-directory watcher. The engine is indifferent to which one it
// reads from.
package capture

import (
	"context"

	"github.com/sentinelsec/sentinel/internal/models"
)

// Source yields parsed L3/L4 packet records. Read blocks until a packet
// is available, ctx is done, or the stream ends with io.EOF.
type Source interface {
	Read(ctx context.Context) (models.Packet, error)
	Close() error
}
