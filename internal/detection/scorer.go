package detection

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Scorer turns a batch of feature vectors into maliciousness scores in
// [0,1], one per vector. Implementations must be pure: no retained state
// between calls.
type Scorer interface {
	Score(vectors [][]float64) ([]float64, error)
	// Probabilistic reports whether scores are calibrated probabilities,
	// which changes how alert confidence is derived.
	Probabilistic() bool
}

// HeuristicScorer is the fallback used when no trained model is
// configured: a weighted sum of normalized bytes, packets and inverse mean
// inter-arrival time. It is monotone non-decreasing in bytes and packets.
type HeuristicScorer struct{}

func (HeuristicScorer) Probabilistic() bool { return false }

// Score implements Scorer.
func (HeuristicScorer) Score(vectors [][]float64) ([]float64, error) {
	scores := make([]float64, len(vectors))
	for i, v := range vectors {
		if len(v) < 3 {
			return nil, fmt.Errorf("feature vector has %d elements, want at least 3", len(v))
		}
		bytes, packets, iatMean := v[0], v[1], v[2]

		bNorm := math.Min(bytes/20000, 1)
		pNorm := math.Min(packets/200, 1)
		var iatInv float64
		if iatMean > 0 {
			iatInv = math.Min(1/math.Max(iatMean, 0.001), 1)
		}
		scores[i] = clamp01(0.6*bNorm + 0.3*pNorm + 0.1*iatInv)
	}
	return scores, nil
}

// modelFile is the serialized form of a trained logistic model with an
// optional pre-fitted standard scaler.
type modelFile struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
	Scaler  *struct {
		Mean  []float64 `json:"mean"`
		Scale []float64 `json:"scale"`
	} `json:"scaler"`
}

// LogisticScorer scores vectors with a pre-trained logistic model loaded
// from a JSON file. Its outputs are calibrated probabilities.
type LogisticScorer struct {
	model modelFile
}

// LoadLogisticScorer reads a model file written by the training pipeline.
func LoadLogisticScorer(path string) (*LogisticScorer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	var m modelFile
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse model file %s: %w", path, err)
	}
	if len(m.Weights) == 0 {
		return nil, fmt.Errorf("model file %s has no weights", path)
	}
	if m.Scaler != nil && (len(m.Scaler.Mean) != len(m.Weights) || len(m.Scaler.Scale) != len(m.Weights)) {
		return nil, fmt.Errorf("model file %s scaler shape does not match weights", path)
	}
	return &LogisticScorer{model: m}, nil
}

func (s *LogisticScorer) Probabilistic() bool { return true }

// Score implements Scorer.
func (s *LogisticScorer) Score(vectors [][]float64) ([]float64, error) {
	scores := make([]float64, len(vectors))
	for i, v := range vectors {
		if len(v) < len(s.model.Weights) {
			return nil, fmt.Errorf("feature vector has %d elements, model wants %d", len(v), len(s.model.Weights))
		}
		z := s.model.Bias
		for j, w := range s.model.Weights {
			x := v[j]
			if sc := s.model.Scaler; sc != nil {
				denom := sc.Scale[j]
				if denom == 0 {
					denom = 1
				}
				x = (x - sc.Mean[j]) / denom
			}
			z += w * x
		}
		scores[i] = 1 / (1 + math.Exp(-z))
	}
	return scores, nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
