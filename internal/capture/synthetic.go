package capture

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sentinelsec/sentinel/internal/models"
)

// SyntheticSource generates a deterministic traffic mix from a seed:
// mostly benign chatter between a handful of internal hosts, with
// periodic attack bursts (port scans and floods) from external
// addresses. The same seed always produces the same stream.
type SyntheticSource struct {
	rng   *rand.Rand
	rate  float64 // packets per second, 0 = unpaced
	clock float64 // synthetic timestamp, seconds

	burst     []models.Packet // pending attack burst, drained first
	generated int
}

// NewSyntheticSource builds a generator. rate limits emission to roughly
// that many packets per second; zero means as fast as the reader pulls.
func NewSyntheticSource(seed int64, rate float64) *SyntheticSource {
	return &SyntheticSource{
		rng:   rand.New(rand.NewSource(seed)),
		rate:  rate,
		clock: float64(time.Now().Unix()),
	}
}

// Read implements Source. The stream never ends.
func (s *SyntheticSource) Read(ctx context.Context) (models.Packet, error) {
	if s.rate > 0 {
		select {
		case <-time.After(time.Duration(float64(time.Second) / s.rate)):
		case <-ctx.Done():
			return models.Packet{}, ctx.Err()
		}
	} else if ctx.Err() != nil {
		return models.Packet{}, ctx.Err()
	}

	if len(s.burst) > 0 {
		p := s.burst[0]
		s.burst = s.burst[1:]
		return p, nil
	}

	s.generated++
	// Roughly one attack burst per five hundred benign packets.
	if s.generated%500 == 0 {
		if s.rng.Intn(2) == 0 {
			s.queuePortScan()
		} else {
			s.queueFlood()
		}
		p := s.burst[0]
		s.burst = s.burst[1:]
		return p, nil
	}
	return s.benign(), nil
}

func (s *SyntheticSource) benign() models.Packet {
	s.clock += s.rng.Float64() * 0.5
	protos := []string{"tcp", "tcp", "udp", "icmp"}
	return models.Packet{
		TS:      s.clock,
		SrcIP:   fmt.Sprintf("10.0.0.%d", 2+s.rng.Intn(20)),
		DstIP:   fmt.Sprintf("10.0.0.%d", 2+s.rng.Intn(20)),
		Proto:   protos[s.rng.Intn(len(protos))],
		SrcPort: 1024 + s.rng.Intn(60000),
		DstPort: []int{80, 443, 53, 22, 8080}[s.rng.Intn(5)],
		Size:    60 + s.rng.Intn(1400),
		Flags:   "A",
	}
}

// queuePortScan emits many small SYN probes from one external source to
// sequential ports on one victim.
func (s *SyntheticSource) queuePortScan() {
	attacker := fmt.Sprintf("198.51.100.%d", 1+s.rng.Intn(250))
	victim := fmt.Sprintf("10.0.0.%d", 2+s.rng.Intn(20))
	base := 1 + s.rng.Intn(1000)
	for port := base; port < base+120; port++ {
		s.clock += 0.001
		s.burst = append(s.burst, models.Packet{
			TS:      s.clock,
			SrcIP:   attacker,
			DstIP:   victim,
			Proto:   "tcp",
			SrcPort: 40000 + s.rng.Intn(10000),
			DstPort: port,
			Size:    60,
			Flags:   "S",
		})
	}
}

// queueFlood emits a heavy single-flow burst, the shape the heuristic
// scorer rates highest.
func (s *SyntheticSource) queueFlood() {
	attacker := fmt.Sprintf("203.0.113.%d", 1+s.rng.Intn(250))
	victim := fmt.Sprintf("10.0.0.%d", 2+s.rng.Intn(20))
	srcPort := 30000 + s.rng.Intn(10000)
	for i := 0; i < 300; i++ {
		s.clock += 0.002
		s.burst = append(s.burst, models.Packet{
			TS:      s.clock,
			SrcIP:   attacker,
			DstIP:   victim,
			Proto:   "udp",
			SrcPort: srcPort,
			DstPort: 53,
			Size:    1200 + s.rng.Intn(200),
		})
	}
}

// Close implements Source.
func (s *SyntheticSource) Close() error { return nil }
