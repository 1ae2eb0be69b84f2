package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentinelsec/sentinel/internal/models"
)

// ReplaySource reads packets from a JSONL capture file, one JSON object
// per line. With pacing enabled it sleeps out the recorded inter-packet
// gaps; otherwise it replays as fast as the engine consumes.
type ReplaySource struct {
	file    *os.File
	scanner *bufio.Scanner
	pace    bool
	lastTS  float64
}

// NewReplaySource opens the capture at path.
func NewReplaySource(path string, pace bool) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &ReplaySource{file: f, scanner: sc, pace: pace}, nil
}

// Read implements Source.
func (r *ReplaySource) Read(ctx context.Context) (models.Packet, error) {
	for {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return models.Packet{}, fmt.Errorf("read capture file: %w", err)
			}
			return models.Packet{}, io.EOF
		}
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var p models.Packet
		if err := json.Unmarshal(line, &p); err != nil {
			log.Warn().Err(err).Msg("Skipping undecodable capture line")
			continue
		}

		if r.pace && r.lastTS > 0 && p.TS > r.lastTS {
			gap := time.Duration((p.TS - r.lastTS) * float64(time.Second))
			select {
			case <-time.After(gap):
			case <-ctx.Done():
				return models.Packet{}, ctx.Err()
			}
		}
		r.lastTS = p.TS
		return p, nil
	}
}

// Close implements Source.
func (r *ReplaySource) Close() error {
	return r.file.Close()
}
