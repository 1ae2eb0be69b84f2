// Package detection turns packets into alerts: packets aggregate into
// flows, flows snapshot into feature vectors, vectors score in
// micro-batches, and scores above the emit threshold become AlertEvents.
package detection

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/sentinelsec/sentinel/internal/bus"
	"github.com/sentinelsec/sentinel/internal/capture"
	"github.com/sentinelsec/sentinel/internal/config"
	"github.com/sentinelsec/sentinel/internal/metrics"
	"github.com/sentinelsec/sentinel/internal/models"
	"github.com/sentinelsec/sentinel/internal/repository"
)

// Config tunes the detection engine.
type Config struct {
	SensorID           string
	SeverityThresholds config.Thresholds
	EmitThreshold      float64
	FlowIdleTimeout    time.Duration
	FlushInterval      time.Duration
	MaxFlows           int
	BatchSize          int
	BatchTimeout       time.Duration
	Workers            int // 0 = number of CPUs
}

// Engine is the detection stage. One ingest worker owns the flow table;
// snapshots are routed to scoring workers by flow key hash so alerts for
// one flow stay ordered.
type Engine struct {
	cfg    Config
	source capture.Source
	scorer Scorer
	bus    bus.Bus
	repo   *repository.Repository

	channels []chan Snapshot
	wg       sync.WaitGroup
}

// New builds a detection engine over source, scoring with scorer.
func New(cfg Config, source capture.Source, scorer Scorer, b bus.Bus, repo *repository.Repository) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return &Engine{cfg: cfg, source: source, scorer: scorer, bus: b, repo: repo}
}

// Run ingests packets until ctx is canceled. Source end-of-stream stops
// ingestion but not the engine; flow sweeps and batch timeouts continue so
// buffered work still drains into alerts.
func (e *Engine) Run(ctx context.Context) {
	e.channels = make([]chan Snapshot, e.cfg.Workers)
	for i := range e.channels {
		ch := make(chan Snapshot, e.cfg.BatchSize*2)
		e.channels[i] = ch
		e.wg.Add(1)
		go e.scoreWorker(ctx, ch)
	}

	packets := make(chan models.Packet, 256)
	go e.readSource(ctx, packets)

	table := NewFlowTable(e.cfg.MaxFlows)
	flush := time.NewTicker(e.cfg.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case p, ok := <-packets:
			if !ok {
				log.Info().Msg("Packet source ended; detection engine idling")
				packets = nil
				continue
			}
			if !validPacket(p) {
				metrics.PacketsInvalidTotal.Inc()
				log.Warn().Str("src_ip", p.SrcIP).Str("dst_ip", p.DstIP).Int("size", p.Size).
					Msg("Dropping malformed packet")
				continue
			}
			metrics.PacketsProcessedTotal.Inc()
			e.route(table.Observe(p))
		case <-flush.C:
			now := models.Now()
			e.route(table.SweepIdle(now, e.cfg.FlowIdleTimeout.Seconds()))
			e.route(table.FlushActive())
		case <-ctx.Done():
			e.route(table.FlushActive())
			for _, ch := range e.channels {
				close(ch)
			}
			e.wg.Wait()
			return
		}
	}
}

func (e *Engine) readSource(ctx context.Context, out chan<- models.Packet) {
	defer close(out)
	for {
		p, err := e.source.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("Packet source read failed; continuing")
			continue
		}
		select {
		case out <- p:
		case <-ctx.Done():
			return
		}
	}
}

func validPacket(p models.Packet) bool {
	return p.SrcIP != "" && p.DstIP != "" && p.Size > 0
}

// route sends snapshots to the worker owning each flow key. The hash
// affinity keeps per-flow scoring, and therefore per-flow alert emission,
// in order.
func (e *Engine) route(snaps []Snapshot) {
	for _, s := range snaps {
		h := fnv.New32a()
		h.Write([]byte(s.Key.SrcIP))
		h.Write([]byte(s.Key.DstIP))
		h.Write([]byte(s.Key.Proto))
		h.Write([]byte{byte(s.Key.SrcPort), byte(s.Key.SrcPort >> 8), byte(s.Key.DstPort), byte(s.Key.DstPort >> 8)})
		e.channels[h.Sum32()%uint32(len(e.channels))] <- s
	}
}

func (e *Engine) scoreWorker(ctx context.Context, ch <-chan Snapshot) {
	defer e.wg.Done()

	b := NewBatcher(e.cfg.BatchSize, e.cfg.BatchTimeout)
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				// Final drain gets a short grace deadline of its own; the
				// run context is usually already canceled here.
				grace, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				e.scoreBatch(grace, b.Flush())
				cancel()
				return
			}
			if batch := b.Add(snap); batch != nil {
				e.scoreBatch(ctx, batch)
			} else if b.Pending() == 1 {
				timer.Reset(e.cfg.BatchTimeout)
			}
		case <-timer.C:
			e.scoreBatch(ctx, b.Flush())
		}
	}
}

// scoreBatch runs one micro-batch through the scorer and emits alerts. A
// scorer failure discards the batch with a WARN; detection continues.
func (e *Engine) scoreBatch(ctx context.Context, batch []Snapshot) {
	if len(batch) == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Int("batch", len(batch)).
				Msg("Scorer panicked; discarding batch")
		}
	}()

	vectors := make([][]float64, len(batch))
	for i, s := range batch {
		vectors[i] = s.Vector
	}

	timer := prometheus.NewTimer(metrics.ScoreBatchSeconds)
	scores, err := e.scorer.Score(vectors)
	timer.ObserveDuration()
	if err != nil {
		log.Warn().Err(err).Int("batch", len(batch)).Msg("Scorer failed; discarding batch")
		return
	}
	if len(scores) != len(batch) {
		log.Warn().Int("scores", len(scores)).Int("batch", len(batch)).
			Msg("Scorer returned wrong batch length; discarding batch")
		return
	}

	for i, score := range scores {
		if score < 0 || score > 1 {
			log.Warn().Float64("score", score).Msg("Dropping out-of-range score")
			continue
		}
		if score < e.cfg.EmitThreshold {
			continue
		}
		e.emit(ctx, batch[i], score)
	}
}

func (e *Engine) emit(ctx context.Context, snap Snapshot, score float64) {
	confidence := score
	if e.scorer.Probabilistic() && 1-score > score {
		confidence = 1 - score
	}

	alert := models.AlertEvent{
		ID:         models.NewID(),
		TS:         models.Now(),
		SrcIP:      snap.Key.SrcIP,
		DstIP:      snap.Key.DstIP,
		Proto:      snap.Key.Proto,
		Features:   snap.Features,
		ModelScore: score,
		Confidence: confidence,
		Severity:   BucketSeverity(score, e.cfg.SeverityThresholds),
		SensorID:   e.cfg.SensorID,
	}

	// Write-before-publish: an alert that cannot be persisted is dropped.
	err := repository.SaveRetry(ctx, "alerts", func() error {
		return e.repo.SaveAlert(ctx, alert)
	})
	if err != nil {
		return
	}
	if err := bus.PublishJSON(ctx, e.bus, bus.TopicAlerts, alert); err != nil {
		return
	}
	metrics.AlertsEmittedTotal.WithLabelValues(string(alert.Severity)).Inc()
}

// BucketSeverity maps a model score to its severity band, inclusive at
// the thresholds.
func BucketSeverity(score float64, thr config.Thresholds) models.Severity {
	switch {
	case score >= thr.High:
		return models.SeverityHigh
	case score >= thr.Medium:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
