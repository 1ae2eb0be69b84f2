package detection

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/sentinel/internal/models"
)

func pkt(src, dst string, ts float64, size int) models.Packet {
	return models.Packet{TS: ts, SrcIP: src, DstIP: dst, Proto: "tcp", SrcPort: 1000, DstPort: 80, Size: size}
}

func TestWelfordMatchesTwoPass(t *testing.T) {
	table := NewFlowTable(10)
	gaps := []float64{0.1, 0.3, 0.05, 0.7, 0.2}

	ts := 100.0
	table.Observe(pkt("a", "b", ts, 100))
	for _, g := range gaps {
		ts += g
		table.Observe(pkt("a", "b", ts, 100))
	}

	snaps := table.FlushActive()
	require.Len(t, snaps, 1)
	feats := snaps[0].Features

	var mean float64
	for _, g := range gaps {
		mean += g
	}
	mean /= float64(len(gaps))
	var m2 float64
	for _, g := range gaps {
		m2 += (g - mean) * (g - mean)
	}
	std := math.Sqrt(m2 / float64(len(gaps)))

	assert.InDelta(t, mean, feats["iat_mean"], 1e-9)
	assert.InDelta(t, std, feats["iat_std"], 1e-9)
	assert.Equal(t, 0.05, feats["iat_min"])
	assert.Equal(t, 0.7, feats["iat_max"])
}

func TestSinglePacketFlowFeaturesAreDefined(t *testing.T) {
	table := NewFlowTable(10)
	table.Observe(pkt("a", "b", 100, 64))

	snaps := table.FlushActive()
	require.Len(t, snaps, 1)
	feats := snaps[0].Features
	assert.Equal(t, 0.0, feats["iat_mean"])
	assert.Equal(t, 0.0, feats["iat_std"])
	assert.Equal(t, 0.0, feats["iat_min"])
	assert.Equal(t, 0.0, feats["iat_max"])
	assert.Equal(t, 64.0, feats["bytes"])
	assert.Equal(t, 1.0, feats["packets"])
	assert.Equal(t, 1.0, feats["proto_tcp"])
}

func TestLRUEvictionEmitsSnapshot(t *testing.T) {
	table := NewFlowTable(2)
	table.Observe(pkt("a", "x", 1, 100))
	table.Observe(pkt("b", "x", 2, 100))
	// Touch "a" so "b" becomes the LRU victim.
	table.Observe(pkt("a", "x", 3, 100))

	evicted := table.Observe(pkt("c", "x", 4, 100))
	require.Len(t, evicted, 1)
	assert.Equal(t, "b", evicted[0].Key.SrcIP)
	assert.Equal(t, 2, table.Len())
}

func TestIdleSweepEvictsOnlyStaleFlows(t *testing.T) {
	table := NewFlowTable(10)
	table.Observe(pkt("old", "x", 100, 100))
	table.Observe(pkt("fresh", "x", 140, 100))

	snaps := table.SweepIdle(150, 30)
	require.Len(t, snaps, 1)
	assert.Equal(t, "old", snaps[0].Key.SrcIP)
	assert.Equal(t, 1, table.Len())
}

func TestFlushActiveOnlyReturnsDirtyFlows(t *testing.T) {
	table := NewFlowTable(10)
	table.Observe(pkt("a", "x", 1, 100))

	require.Len(t, table.FlushActive(), 1)
	assert.Empty(t, table.FlushActive(), "a second flush without traffic emits nothing")

	table.Observe(pkt("a", "x", 2, 100))
	assert.Len(t, table.FlushActive(), 1)
}

func TestDistinctPortsAreDistinctFlows(t *testing.T) {
	table := NewFlowTable(10)
	p := pkt("a", "b", 1, 100)
	table.Observe(p)
	p.SrcPort = 2000
	table.Observe(p)
	assert.Equal(t, 2, table.Len())
}

func TestFlowInvariants(t *testing.T) {
	table := NewFlowTable(100)
	ts := 0.0
	for i := 0; i < 50; i++ {
		ts += 0.01
		table.Observe(pkt(fmt.Sprintf("h%d", i%5), "x", ts, 60+i))
	}
	for _, s := range table.FlushActive() {
		assert.GreaterOrEqual(t, s.Features["packets"], 1.0)
		assert.GreaterOrEqual(t, s.Features["bytes"], s.Features["packets"], "bytes >= packets")
	}
}
