package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/sentinel/internal/bus"
	"github.com/sentinelsec/sentinel/internal/config"
	"github.com/sentinelsec/sentinel/internal/models"
	"github.com/sentinelsec/sentinel/internal/repository"
)

// chanSource feeds packets from a channel and ends the stream when the
// channel closes.
type chanSource struct {
	ch chan models.Packet
}

func (s *chanSource) Read(ctx context.Context) (models.Packet, error) {
	select {
	case p, ok := <-s.ch:
		if !ok {
			return models.Packet{}, io.EOF
		}
		return p, nil
	case <-ctx.Done():
		return models.Packet{}, ctx.Err()
	}
}

func (s *chanSource) Close() error { return nil }

// fixedScorer returns the same score for every vector.
type fixedScorer struct{ score float64 }

func (f fixedScorer) Score(vectors [][]float64) ([]float64, error) {
	out := make([]float64, len(vectors))
	for i := range out {
		out[i] = f.score
	}
	return out, nil
}
func (f fixedScorer) Probabilistic() bool { return true }

func testEngineConfig() Config {
	return Config{
		SensorID:           "sensor-test",
		SeverityThresholds: config.Thresholds{High: 0.8, Medium: 0.5},
		EmitThreshold:      0.3,
		FlowIdleTimeout:    30 * time.Second,
		FlushInterval:      50 * time.Millisecond,
		MaxFlows:           1000,
		BatchSize:          8,
		BatchTimeout:       20 * time.Millisecond,
		Workers:            2,
	}
}

func collectAlerts(t *testing.T, b bus.Bus) (*sync.Mutex, *[]models.AlertEvent) {
	t.Helper()
	var mu sync.Mutex
	var alerts []models.AlertEvent
	b.Subscribe(bus.TopicAlerts, func(_ context.Context, payload []byte) {
		var a models.AlertEvent
		require.NoError(t, json.Unmarshal(payload, &a))
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})
	return &mu, &alerts
}

func runEngine(t *testing.T, cfg Config, scorer Scorer, packets []models.Packet) (bus.Bus, *repository.Repository, *sync.Mutex, *[]models.AlertEvent) {
	t.Helper()
	repo, err := repository.Open(filepath.Join(t.TempDir(), "det.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	memBus := bus.NewMemoryBus(bus.DefaultMemoryConfig())
	mu, alerts := collectAlerts(t, memBus)

	src := &chanSource{ch: make(chan models.Packet, len(packets))}
	for _, p := range packets {
		src.ch <- p
	}
	close(src.ch)

	engine := New(cfg, src, scorer, memBus, repo)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()

	// Two flush intervals are enough for ingest, flush and scoring.
	time.Sleep(8 * cfg.FlushInterval)
	cancel()
	<-done
	require.NoError(t, memBus.Close())
	return memBus, repo, mu, alerts
}

func TestLowScoreTrafficIsSuppressed(t *testing.T) {
	// A thousand flows scored below the emit threshold must produce no
	// alerts at all.
	var packets []models.Packet
	for i := 0; i < 1000; i++ {
		packets = append(packets, models.Packet{
			TS:    float64(i) * 0.001,
			SrcIP: fmt.Sprintf("10.1.%d.%d", i/250, i%250),
			DstIP: "10.0.0.5", Proto: "tcp", SrcPort: 1000 + i, DstPort: 80, Size: 60,
		})
	}

	_, repo, mu, alerts := runEngine(t, testEngineConfig(), fixedScorer{score: 0.15}, packets)

	mu.Lock()
	assert.Empty(t, *alerts)
	mu.Unlock()
	n, err := repo.CountAlerts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHighScoreFlowEmitsPersistedAlert(t *testing.T) {
	packets := []models.Packet{
		{TS: 1.0, SrcIP: "203.0.113.7", DstIP: "10.0.0.5", Proto: "tcp", SrcPort: 4000, DstPort: 80, Size: 1400},
		{TS: 1.01, SrcIP: "203.0.113.7", DstIP: "10.0.0.5", Proto: "tcp", SrcPort: 4000, DstPort: 80, Size: 1400},
	}

	_, repo, mu, alerts := runEngine(t, testEngineConfig(), fixedScorer{score: 0.9}, packets)

	mu.Lock()
	require.NotEmpty(t, *alerts)
	a := (*alerts)[0]
	mu.Unlock()

	assert.Equal(t, "203.0.113.7", a.SrcIP)
	assert.Equal(t, models.SeverityHigh, a.Severity)
	assert.Equal(t, 0.9, a.ModelScore)
	assert.Equal(t, 0.9, a.Confidence, "probabilistic confidence = max(s, 1-s)")
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "sensor-test", a.SensorID)

	stored, err := repo.GetAlert(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, stored.ID, "alert persisted before publish")
}

func TestMalformedPacketsAreDropped(t *testing.T) {
	packets := []models.Packet{
		{TS: 1, SrcIP: "", DstIP: "10.0.0.5", Proto: "tcp", Size: 100},
		{TS: 1, SrcIP: "10.0.0.1", DstIP: "10.0.0.5", Proto: "tcp", Size: 0},
	}
	_, _, mu, alerts := runEngine(t, testEngineConfig(), fixedScorer{score: 0.9}, packets)
	mu.Lock()
	assert.Empty(t, *alerts)
	mu.Unlock()
}

// errorScorer always fails, which must discard batches without stopping
// the engine.
type errorScorer struct{}

func (errorScorer) Score([][]float64) ([]float64, error) { return nil, fmt.Errorf("model exploded") }
func (errorScorer) Probabilistic() bool                  { return false }

func TestScorerFailureDiscardsBatchOnly(t *testing.T) {
	packets := []models.Packet{
		{TS: 1, SrcIP: "10.0.0.1", DstIP: "10.0.0.5", Proto: "tcp", SrcPort: 1, DstPort: 80, Size: 100},
	}
	_, repo, mu, alerts := runEngine(t, testEngineConfig(), errorScorer{}, packets)
	mu.Lock()
	assert.Empty(t, *alerts)
	mu.Unlock()
	n, err := repo.CountAlerts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHeuristicConfidenceEqualsScore(t *testing.T) {
	cfg := testEngineConfig()
	// A flow heavy enough for the heuristic to clear the high threshold.
	var packets []models.Packet
	ts := 1.0
	for i := 0; i < 500; i++ {
		ts += 0.01
		packets = append(packets, models.Packet{
			TS: ts, SrcIP: "203.0.113.7", DstIP: "10.0.0.5", Proto: "tcp",
			SrcPort: 4000, DstPort: 80, Size: 2100,
		})
	}

	_, _, mu, alerts := runEngine(t, cfg, HeuristicScorer{}, packets)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, *alerts)
	for _, a := range *alerts {
		assert.Equal(t, a.ModelScore, a.Confidence)
	}
}
