// Package investigation enriches alerts with external threat intel and
// fuses the findings into a risk score and verdict. Exactly one report
// comes out per alert id, even when the bus replays.
package investigation

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sentinelsec/sentinel/internal/bus"
	"github.com/sentinelsec/sentinel/internal/config"
	"github.com/sentinelsec/sentinel/internal/intel"
	"github.com/sentinelsec/sentinel/internal/metrics"
	"github.com/sentinelsec/sentinel/internal/models"
	"github.com/sentinelsec/sentinel/internal/repository"
)

// Config tunes the investigation stage.
type Config struct {
	Alpha             float64 // fusion weight of the alert's model score
	VerdictThresholds config.VerdictThresholds
	FanoutTimeout     time.Duration
	Workers           int
}

// Agent is the investigation stage: one subscription reader feeding a
// fixed pool of workers, each fanning out to every TI provider in
// parallel under a common deadline.
type Agent struct {
	cfg      Config
	registry *intel.Registry
	bus      bus.Bus
	repo     *repository.Repository
	seen     *dedupeSet
}

// New builds an investigation agent.
func New(cfg Config, registry *intel.Registry, b bus.Bus, repo *repository.Repository) *Agent {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	return &Agent{
		cfg:      cfg,
		registry: registry,
		bus:      b,
		repo:     repo,
		seen:     newDedupeSet(8192),
	}
}

// Run consumes alerts until ctx is canceled, then drains in-flight work.
func (a *Agent) Run(ctx context.Context) {
	work := make(chan models.AlertEvent, a.cfg.Workers)

	var g errgroup.Group
	for i := 0; i < a.cfg.Workers; i++ {
		g.Go(func() error {
			for alert := range work {
				a.process(ctx, alert)
			}
			return nil
		})
	}

	unsubscribe := a.bus.Subscribe(bus.TopicAlerts, func(handlerCtx context.Context, payload []byte) {
		var alert models.AlertEvent
		if err := json.Unmarshal(payload, &alert); err != nil {
			log.Warn().Err(err).Msg("Dropping undecodable alert payload")
			return
		}
		if alert.ID == "" {
			log.Warn().Msg("Dropping alert without id")
			return
		}
		if !a.seen.Add(alert.ID) {
			// Replay after a broker reconnect; the first pass already
			// produced the report.
			return
		}
		select {
		case work <- alert:
		case <-handlerCtx.Done():
		case <-ctx.Done():
		}
	})

	<-ctx.Done()
	unsubscribe()
	close(work)
	_ = g.Wait()
}

func (a *Agent) process(ctx context.Context, alert models.AlertEvent) {
	timer := prometheus.NewTimer(metrics.InvestigationSeconds)
	report := a.Investigate(ctx, alert)
	timer.ObserveDuration()

	// In-flight work finishing during shutdown still gets persisted.
	saveCtx := ctx
	if saveCtx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}

	err := repository.SaveRetry(saveCtx, "investigations", func() error {
		return a.repo.SaveInvestigation(saveCtx, report)
	})
	if err != nil {
		return
	}
	if err := bus.PublishJSON(saveCtx, a.bus, bus.TopicInvestigations, report); err != nil {
		return
	}
	metrics.ReportsEmittedTotal.WithLabelValues(string(report.Verdict)).Inc()
}

// Investigate queries every provider for the alert's source IP and fuses
// the answers. It always returns a report: when every provider fails (or
// none is configured) the verdict falls back to the alert alone with full
// uncertainty.
func (a *Agent) Investigate(ctx context.Context, alert models.AlertEvent) models.InvestigationReport {
	clients := a.registry.Clients()
	total := len(clients)

	fanCtx, cancel := context.WithTimeout(ctx, a.cfg.FanoutTimeout)
	defer cancel()

	type answer struct{ finding models.Finding }
	results := make(chan answer, total)
	for _, c := range clients {
		c := c
		go func() {
			results <- answer{finding: c.Lookup(fanCtx, alert.SrcIP)}
		}()
	}

	findings := make(map[string]models.Finding, total)
	sources := make([]string, 0, total)

collect:
	for i := 0; i < total; i++ {
		select {
		case r := <-results:
			findings[r.finding.Source] = r.finding
			sources = append(sources, r.finding.Source)
		case <-fanCtx.Done():
			// Hard timeout truncates the fan-out; whatever answered
			// so far is what the fusion sees.
			log.Warn().Str("alert_id", alert.ID).Int("answered", len(findings)).Int("total", total).
				Msg("TI fan-out deadline hit; proceeding with partial results")
			break collect
		}
	}

	present := 0
	var sum float64
	for _, f := range findings {
		if f.Error == "" {
			present++
			sum += f.NormalizedScore
		}
	}

	report := models.InvestigationReport{
		AlertID:       alert.ID,
		TS:            models.Now(),
		IOCFindings:   findings,
		Sources:       sources,
		AlertSeverity: alert.Severity,
	}

	if present == 0 {
		// All providers failed or none are configured: the alert is all
		// there is to go on.
		report.RiskScore = alert.ModelScore
		report.Uncertainty = 1.0
		report.Confidence = 0.0
		if alert.Severity == models.SeverityHigh {
			report.Verdict = models.VerdictSuspicious
		} else {
			report.Verdict = models.VerdictBenign
		}
		report.Notes = fmt.Sprintf("no threat intel available (%d providers configured)", total)
		return report
	}

	mean := sum / float64(present)
	alpha := a.cfg.Alpha
	report.RiskScore = clamp01(alpha*alert.ModelScore + (1-alpha)*mean)
	report.Uncertainty = 1 - float64(present)/float64(total)
	report.Confidence = 1 - report.Uncertainty
	report.Verdict = a.bucketVerdict(report.RiskScore)
	report.Notes = fmt.Sprintf("fused %d of %d provider findings", present, total)
	return report
}

// bucketVerdict maps a fused risk score to a verdict, inclusive at the
// thresholds.
func (a *Agent) bucketVerdict(risk float64) models.Verdict {
	switch {
	case risk >= a.cfg.VerdictThresholds.Malicious:
		return models.VerdictMalicious
	case risk >= a.cfg.VerdictThresholds.Suspicious:
		return models.VerdictSuspicious
	default:
		return models.VerdictBenign
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// dedupeSet is a bounded LRU set of alert ids already investigated.
type dedupeSet struct {
	mu       sync.Mutex
	capacity int
	ids      map[string]*list.Element
	order    *list.List
}

func newDedupeSet(capacity int) *dedupeSet {
	return &dedupeSet{
		capacity: capacity,
		ids:      make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Add records id and reports whether it was new.
func (s *dedupeSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.ids[id]; ok {
		s.order.MoveToFront(elem)
		return false
	}
	s.ids[id] = s.order.PushFront(id)
	for len(s.ids) > s.capacity {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		delete(s.ids, oldest.Value.(string))
		s.order.Remove(oldest)
	}
	return true
}
