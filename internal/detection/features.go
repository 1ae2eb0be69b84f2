package detection

import "math"

// FeatureNames is the fixed feature vector layout, decided at startup.
// Changing it requires retraining any model consuming the vectors.
var FeatureNames = []string{
	"bytes", "packets",
	"iat_mean", "iat_std", "iat_min", "iat_max",
	"proto_tcp", "proto_udp", "proto_icmp", "proto_other",
}

// Snapshot is a point-in-time feature extraction of one flow, handed from
// the ingest worker to the scoring workers. It shares no memory with the
// flow table.
type Snapshot struct {
	Key      FlowKey
	Features map[string]float64
	Vector   []float64
}

// snapshotFlow extracts the feature vector from a flow. A single-packet
// flow has no inter-arrival samples, so every iat feature is zero.
func snapshotFlow(f *Flow) Snapshot {
	var iatStd float64
	if f.iatCount > 1 {
		iatStd = math.Sqrt(f.iatM2 / float64(f.iatCount))
	}

	feats := map[string]float64{
		"bytes":    float64(f.Bytes),
		"packets":  float64(f.Packets),
		"iat_mean": f.iatMean,
		"iat_std":  iatStd,
		"iat_min":  f.iatMin,
		"iat_max":  f.iatMax,
	}
	for _, name := range []string{"proto_tcp", "proto_udp", "proto_icmp", "proto_other"} {
		feats[name] = 0
	}
	switch f.Key.Proto {
	case "tcp":
		feats["proto_tcp"] = 1
	case "udp":
		feats["proto_udp"] = 1
	case "icmp":
		feats["proto_icmp"] = 1
	default:
		feats["proto_other"] = 1
	}

	vec := make([]float64, len(FeatureNames))
	for i, name := range FeatureNames {
		vec[i] = feats[name]
	}
	return Snapshot{Key: f.Key, Features: feats, Vector: vec}
}
