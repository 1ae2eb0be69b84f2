package detection

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/sentinel/internal/config"
	"github.com/sentinelsec/sentinel/internal/models"
)

func heuristicScore(t *testing.T, bytes, packets, iatMean float64) float64 {
	t.Helper()
	scores, err := HeuristicScorer{}.Score([][]float64{{bytes, packets, iatMean, 0, 0, 0, 1, 0, 0, 0}})
	require.NoError(t, err)
	require.Len(t, scores, 1)
	return scores[0]
}

func TestHeuristicScoreStaysInRange(t *testing.T) {
	for _, tc := range [][3]float64{
		{0, 0, 0},
		{1e9, 1e6, 0.0001},
		{500, 3, 12},
	} {
		s := heuristicScore(t, tc[0], tc[1], tc[2])
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestHeuristicMonotoneInBytesAndPackets(t *testing.T) {
	prev := -1.0
	for bytes := 0.0; bytes <= 40000; bytes += 1000 {
		s := heuristicScore(t, bytes, 50, 0.5)
		assert.GreaterOrEqual(t, s, prev, "score must not decrease as bytes grow")
		prev = s
	}

	prev = -1.0
	for packets := 0.0; packets <= 400; packets += 10 {
		s := heuristicScore(t, 5000, packets, 0.5)
		assert.GreaterOrEqual(t, s, prev, "score must not decrease as packets grow")
		prev = s
	}
}

func TestHeuristicFloodScoresHigh(t *testing.T) {
	// 1 MB over 500 packets at 10ms inter-arrival: the Scenario B shape.
	s := heuristicScore(t, 1048576, 500, 0.01)
	assert.GreaterOrEqual(t, s, 0.8)
}

func TestHeuristicRejectsShortVector(t *testing.T) {
	_, err := HeuristicScorer{}.Score([][]float64{{1, 2}})
	assert.Error(t, err)
}

func TestBucketSeverityInclusiveHigh(t *testing.T) {
	thr := config.Thresholds{High: 0.8, Medium: 0.5}
	cases := []struct {
		score float64
		want  models.Severity
	}{
		{0.0, models.SeverityLow},
		{0.49, models.SeverityLow},
		{0.5, models.SeverityMedium}, // boundary goes to the higher bucket
		{0.79, models.SeverityMedium},
		{0.8, models.SeverityHigh},
		{1.0, models.SeverityHigh},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, BucketSeverity(tc.score, thr), "score %v", tc.score)
	}
}

func TestBucketSeverityMonotone(t *testing.T) {
	thr := config.Thresholds{High: 0.8, Medium: 0.5}
	prev := -1
	for s := 0.0; s <= 1.0; s += 0.01 {
		rank := BucketSeverity(s, thr).Rank()
		assert.GreaterOrEqual(t, rank, prev)
		prev = rank
	}
}

func TestLogisticScorerLoadsAndScores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	model := `{"weights":[0.001,0.01,-1],"bias":-2,"scaler":{"mean":[0,0,0],"scale":[1,1,1]}}`
	require.NoError(t, os.WriteFile(path, []byte(model), 0600))

	s, err := LoadLogisticScorer(path)
	require.NoError(t, err)
	assert.True(t, s.Probabilistic())

	scores, err := s.Score([][]float64{{10000, 100, 0.01}})
	require.NoError(t, err)
	require.Len(t, scores, 1)
	// sigmoid(0.001*10000 + 0.01*100 - 1*0.01 - 2) = sigmoid(8.99)
	assert.InDelta(t, 1/(1+math.Exp(-8.99)), scores[0], 1e-9)
}

func TestLogisticScorerRejectsBadModel(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"weights":[]}`), 0600))
	_, err := LoadLogisticScorer(empty)
	assert.Error(t, err)

	shape := filepath.Join(dir, "shape.json")
	require.NoError(t, os.WriteFile(shape, []byte(`{"weights":[1,2],"scaler":{"mean":[0],"scale":[1]}}`), 0600))
	_, err = LoadLogisticScorer(shape)
	assert.Error(t, err)

	_, err = LoadLogisticScorer(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
