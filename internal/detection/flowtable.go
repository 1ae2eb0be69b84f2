package detection

import (
	"container/list"
	"strings"

	"github.com/sentinelsec/sentinel/internal/metrics"
	"github.com/sentinelsec/sentinel/internal/models"
)

// FlowKey identifies one unidirectional flow.
type FlowKey struct {
	SrcIP   string
	DstIP   string
	Proto   string
	SrcPort int
	DstPort int
}

// Flow accumulates per-flow counters and rolling inter-arrival statistics.
// Flows live inside the table and are owned by the single ingest worker;
// snapshots leave the table, flows never do.
type Flow struct {
	Key       FlowKey
	Packets   int
	Bytes     int64
	FirstSeen float64
	LastSeen  float64

	// Welford accumulators over packet inter-arrival times.
	iatCount int
	iatMean  float64
	iatM2    float64
	iatMin   float64
	iatMax   float64

	flags map[string]struct{}

	dirty bool
	elem  *list.Element
}

func (f *Flow) observe(p models.Packet) {
	if f.Packets > 0 {
		dt := p.TS - f.LastSeen
		if dt < 0 {
			dt = 0
		}
		f.iatCount++
		delta := dt - f.iatMean
		f.iatMean += delta / float64(f.iatCount)
		f.iatM2 += delta * (dt - f.iatMean)
		if f.iatCount == 1 || dt < f.iatMin {
			f.iatMin = dt
		}
		if dt > f.iatMax {
			f.iatMax = dt
		}
	} else {
		f.FirstSeen = p.TS
	}
	f.Packets++
	f.Bytes += int64(p.Size)
	if p.TS > f.LastSeen {
		f.LastSeen = p.TS
	}
	for _, fl := range strings.Split(p.Flags, "") {
		if fl != "" {
			f.flags[fl] = struct{}{}
		}
	}
	f.dirty = true
}

// FlowTable tracks active flows with LRU ordering. It is not safe for
// concurrent use; the ingest worker is its only caller.
type FlowTable struct {
	flows    map[FlowKey]*Flow
	lru      *list.List // front = most recently seen
	maxFlows int
}

// NewFlowTable builds a table bounded at maxFlows entries.
func NewFlowTable(maxFlows int) *FlowTable {
	return &FlowTable{
		flows:    make(map[FlowKey]*Flow),
		lru:      list.New(),
		maxFlows: maxFlows,
	}
}

// Len returns the number of tracked flows.
func (t *FlowTable) Len() int { return len(t.flows) }

// Observe folds one packet into its flow. When the table is over capacity
// the least recently seen flow is evicted and returned as a snapshot so it
// still gets scored.
func (t *FlowTable) Observe(p models.Packet) (evicted []Snapshot) {
	key := FlowKey{SrcIP: p.SrcIP, DstIP: p.DstIP, Proto: p.Proto, SrcPort: p.SrcPort, DstPort: p.DstPort}
	f, ok := t.flows[key]
	if !ok {
		f = &Flow{Key: key, flags: make(map[string]struct{})}
		f.elem = t.lru.PushFront(f)
		t.flows[key] = f

		for len(t.flows) > t.maxFlows {
			oldest := t.lru.Back()
			if oldest == nil {
				break
			}
			victim := oldest.Value.(*Flow)
			evicted = append(evicted, t.remove(victim))
			metrics.FlowsEvictedTotal.WithLabelValues("lru").Inc()
		}
	} else {
		t.lru.MoveToFront(f.elem)
	}
	f.observe(p)
	metrics.FlowsTracked.Set(float64(len(t.flows)))
	return evicted
}

// SweepIdle evicts flows idle longer than idleSeconds as of now and
// returns their snapshots.
func (t *FlowTable) SweepIdle(now, idleSeconds float64) []Snapshot {
	var out []Snapshot
	for e := t.lru.Back(); e != nil; {
		f := e.Value.(*Flow)
		if now-f.LastSeen <= idleSeconds {
			// LRU order means everything closer to the front is fresher.
			break
		}
		prev := e.Prev()
		out = append(out, t.remove(f))
		metrics.FlowsEvictedTotal.WithLabelValues("idle").Inc()
		e = prev
	}
	metrics.FlowsTracked.Set(float64(len(t.flows)))
	return out
}

// FlushActive snapshots every flow that saw traffic since the previous
// flush, without evicting. This bounds detection latency for long-lived
// flows.
func (t *FlowTable) FlushActive() []Snapshot {
	var out []Snapshot
	for _, f := range t.flows {
		if f.dirty {
			f.dirty = false
			out = append(out, snapshotFlow(f))
		}
	}
	return out
}

func (t *FlowTable) remove(f *Flow) Snapshot {
	t.lru.Remove(f.elem)
	delete(t.flows, f.Key)
	return snapshotFlow(f)
}
