package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/sentinelsec/sentinel/internal/models"
)

// SpoolSource watches a directory for dropped .jsonl capture files and
// replays each one as it appears, oldest first. Between files it blocks
// until the watcher reports a new drop. The stream never returns io.EOF;
// an empty spool just means waiting.
type SpoolSource struct {
	dir     string
	watcher *fsnotify.Watcher
	pending []string
	current *ReplaySource
}

// NewSpoolSource starts watching dir. Files already present are queued up
// front so a restart does not lose drops.
func NewSpoolSource(dir string) (*SpoolSource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create spool watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch spool directory %s: %w", dir, err)
	}

	s := &SpoolSource{dir: dir, watcher: watcher}
	entries, err := os.ReadDir(dir)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("read spool directory: %w", err)
	}
	for _, e := range entries {
		if isSpoolFile(e.Name()) {
			s.pending = append(s.pending, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(s.pending)
	return s, nil
}

func isSpoolFile(name string) bool {
	return strings.HasSuffix(name, ".jsonl")
}

// Read implements Source.
func (s *SpoolSource) Read(ctx context.Context) (models.Packet, error) {
	for {
		if s.current != nil {
			p, err := s.current.Read(ctx)
			if err == nil {
				return p, nil
			}
			s.current.Close()
			s.current = nil
			if err != io.EOF {
				if ctx.Err() != nil {
					return models.Packet{}, ctx.Err()
				}
				log.Warn().Err(err).Msg("Spool file replay failed; moving on")
			}
		}

		if len(s.pending) > 0 {
			path := s.pending[0]
			s.pending = s.pending[1:]
			src, err := NewReplaySource(path, false)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable spool file")
				continue
			}
			log.Info().Str("path", path).Msg("Replaying spool file")
			s.current = src
			continue
		}

		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return models.Packet{}, io.EOF
			}
			if ev.Op.Has(fsnotify.Create) && isSpoolFile(ev.Name) {
				s.pending = append(s.pending, ev.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return models.Packet{}, io.EOF
			}
			log.Warn().Err(err).Msg("Spool watcher error")
		case <-ctx.Done():
			return models.Packet{}, ctx.Err()
		}
	}
}

// Close implements Source.
func (s *SpoolSource) Close() error {
	if s.current != nil {
		s.current.Close()
	}
	return s.watcher.Close()
}
