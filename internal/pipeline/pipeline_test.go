package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/sentinel/internal/bus"
	"github.com/sentinelsec/sentinel/internal/config"
	"github.com/sentinelsec/sentinel/internal/models"
)

// writeFloodCapture produces a capture where one source hammers a single
// service with heavy UDP packets, the shape the heuristic scores high.
func writeFloodCapture(t *testing.T, path, srcIP string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	base := 1724660000.0
	for i := 0; i < 300; i++ {
		line := fmt.Sprintf(
			`{"ts":%f,"src_ip":%q,"dst_ip":"10.0.0.5","proto":"udp","src_port":5555,"dst_port":80,"size":1400}`,
			base+float64(i)*0.001, srcIP)
		_, err := fmt.Fprintln(f, line)
		require.NoError(t, err)
	}
}

func scenarioSettings(t *testing.T, capturePath string) *config.Settings {
	t.Helper()
	s := config.DefaultSettings()
	s.PersistenceURL = filepath.Join(t.TempDir(), "sentinel.db")
	s.Capture = config.CaptureSettings{Source: "replay", Path: capturePath}
	s.FlushInterval = 0.1
	s.BatchTimeout = 0.05
	s.FlowIdleTimeout = 1
	s.TIFanoutTimeout = 1
	s.API.Enabled = false
	require.NoError(t, s.Validate())
	return s
}

func TestFloodEndToEnd(t *testing.T) {
	const attacker = "203.0.113.7"

	capturePath := filepath.Join(t.TempDir(), "flood.jsonl")
	writeFloodCapture(t, capturePath, attacker)

	p, err := New(scenarioSettings(t, capturePath))
	require.NoError(t, err)

	// Seed the TI cache so every provider reports the attacker as hot.
	for _, name := range config.ProviderNames {
		p.Intel().Cache().Set(name, attacker, models.Finding{
			Source:          name,
			NormalizedScore: 0.95,
			Mocked:          true,
		}, time.Hour)
	}

	records := make(chan models.ActionRecord, 32)
	p.Bus().Subscribe(bus.TopicActions, func(ctx context.Context, payload []byte) {
		var rec models.ActionRecord
		if err := json.Unmarshal(payload, &rec); err == nil {
			records <- rec
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	var record models.ActionRecord
	select {
	case record = <-records:
	case <-time.After(15 * time.Second):
		t.Fatal("no action record emitted")
	}

	assert.Equal(t, "isolate_container", record.ActionType)
	assert.Equal(t, attacker, record.Target)
	assert.Equal(t, "simulated_isolation", record.Result)
	assert.Equal(t, models.SeverityHigh, record.SafetyGate)

	// The chain persisted every stage before publishing it.
	repo := p.Repo()
	alert, err := repo.GetAlert(context.Background(), record.AlertID)
	require.NoError(t, err)
	assert.Equal(t, attacker, alert.SrcIP)
	assert.Equal(t, models.SeverityHigh, alert.Severity)

	report, err := repo.GetInvestigation(context.Background(), record.AlertID)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictMalicious, report.Verdict)
	assert.GreaterOrEqual(t, report.RiskScore, 0.7)

	cancel()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("pipeline did not shut down")
	}
}

func TestPipelineConstructionFailsOnBadModel(t *testing.T) {
	capturePath := filepath.Join(t.TempDir(), "flood.jsonl")
	writeFloodCapture(t, capturePath, "203.0.113.9")

	s := scenarioSettings(t, capturePath)
	s.ModelPath = filepath.Join(t.TempDir(), "missing-model.json")
	_, err := New(s)
	require.Error(t, err)
}

func TestPipelineCleanShutdownWithoutTraffic(t *testing.T) {
	capturePath := filepath.Join(t.TempDir(), "empty.jsonl")
	require.NoError(t, os.WriteFile(capturePath, nil, 0o644))

	p, err := New(scenarioSettings(t, capturePath))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not shut down")
	}
}
