package response

import (
	"context"
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentinelsec/sentinel/internal/actions"
	"github.com/sentinelsec/sentinel/internal/bus"
	"github.com/sentinelsec/sentinel/internal/config"
	"github.com/sentinelsec/sentinel/internal/metrics"
	"github.com/sentinelsec/sentinel/internal/models"
	"github.com/sentinelsec/sentinel/internal/repository"
)

// ErrNotRevertible reports a revert request against a record that never
// was reversible or carries no token.
var ErrNotRevertible = errors.New("response: action record is not revertible")

// Config carries the response-engine settings.
type Config struct {
	DecisionMatrix    map[string]map[string]string
	VerdictThresholds config.VerdictThresholds
	IPWhitelist       []string
	ManagementCIDRs   []string
	MinConfidence     float64
	ActionTimeout     time.Duration
	Workers           int
}

// Engine consumes investigation reports and dispatches containment
// actions. Decisions are made serially in arrival order; executions run
// on a pool of workers, with each target pinned to one worker by hash so
// same-target actions execute in arrival order.
type Engine struct {
	cfg      Config
	matrix   *Matrix
	gate     *Gate
	advisor  Advisor
	registry *actions.Registry
	bus      bus.Bus
	repo     *repository.Repository

	targets  *targetGate
	seen     *dedupeSet
	channels []chan job
	wg       sync.WaitGroup
}

type job struct {
	report models.InvestigationReport
	action string
	target string
	trace  []string
}

// New validates the matrix and gate configuration and builds the engine.
// Advisor may be nil.
func New(cfg Config, reg *actions.Registry, b bus.Bus, repo *repository.Repository, advisor Advisor) (*Engine, error) {
	matrix, err := NewMatrix(cfg.DecisionMatrix, cfg.VerdictThresholds, reg)
	if err != nil {
		return nil, err
	}
	gate, err := NewGate(cfg.IPWhitelist, cfg.ManagementCIDRs, cfg.MinConfidence)
	if err != nil {
		return nil, fmt.Errorf("safety gate: %w", err)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 5 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		matrix:   matrix,
		gate:     gate,
		advisor:  advisor,
		registry: reg,
		bus:      b,
		repo:     repo,
		targets:  newTargetGate(),
		seen:     newDedupeSet(8192),
	}, nil
}

// Run consumes the investigations topic until ctx is canceled, then
// finishes the executions already queued.
func (e *Engine) Run(ctx context.Context) {
	e.channels = make([]chan job, e.cfg.Workers)
	for i := range e.channels {
		ch := make(chan job, 64)
		e.channels[i] = ch
		e.wg.Add(1)
		go e.worker(ch)
	}

	unsubscribe := e.bus.Subscribe(bus.TopicInvestigations, func(hctx context.Context, payload []byte) {
		e.decide(hctx, payload)
	})

	<-ctx.Done()
	unsubscribe()
	for _, ch := range e.channels {
		close(ch)
	}
	e.wg.Wait()
}

// decide maps one report to its final action and queues the execution.
func (e *Engine) decide(ctx context.Context, payload []byte) {
	var report models.InvestigationReport
	if err := json.Unmarshal(payload, &report); err != nil {
		log.Warn().Err(err).Msg("discarding undecodable investigation report")
		return
	}
	if report.AlertID == "" {
		log.Warn().Msg("discarding investigation report without alert id")
		return
	}
	if !e.seen.Add(report.AlertID) {
		log.Debug().Str("alert_id", report.AlertID).Msg("report already handled, skipping")
		return
	}

	alert, err := e.repo.GetAlert(ctx, report.AlertID)
	if err != nil {
		log.Warn().Err(err).Str("alert_id", report.AlertID).
			Msg("no persisted alert for report, skipping response")
		return
	}

	choice := e.matrix.Choose(report)
	if e.advisor != nil {
		if suggested := e.advisor.Suggest(report, choice); suggested != "" && e.registry.Has(suggested) {
			choice = suggested
		}
	}
	final, trace := e.gate.Apply(choice, alert.SrcIP, report.Confidence)
	if final != choice {
		metrics.GateDowngradesTotal.WithLabelValues(trace[len(trace)-1]).Inc()
		log.Info().
			Str("alert_id", report.AlertID).
			Str("chosen", choice).
			Str("final", final).
			Strs("gate_trace", trace).
			Msg("safety gate downgraded action")
	}

	// Same-target jobs land on the same worker so they execute in
	// arrival order, not merely one at a time.
	h := fnv.New32a()
	h.Write([]byte(alert.SrcIP))
	idx := int(h.Sum32()) % len(e.channels)
	if idx < 0 {
		idx += len(e.channels)
	}
	e.channels[idx] <- job{report: report, action: final, target: alert.SrcIP, trace: trace}
}

func (e *Engine) worker(ch <-chan job) {
	defer e.wg.Done()
	for j := range ch {
		e.execute(j)
	}
}

// execute runs one action under the per-target guard and the execution
// deadline, then persists and publishes the record.
func (e *Engine) execute(j job) {
	action, err := e.registry.Get(j.action)
	if err != nil {
		log.Error().Str("action_type", j.action).Msg("decision names unregistered action")
		return
	}

	// Actions run to completion even during shutdown, bounded only by
	// their own deadline.
	execCtx, cancel := context.WithTimeout(context.Background(), e.cfg.ActionTimeout)
	defer cancel()

	e.targets.acquire(j.target)
	// Stamped under the slot so same-target records carry timestamps in
	// execution order.
	record := models.ActionRecord{
		ActionID:   models.NewID(),
		AlertID:    j.report.AlertID,
		TS:         models.Now(),
		ActionType: j.action,
		Target:     j.target,
		Parameters: map[string]any{"gate_trace": j.trace},
		SafetyGate: j.report.AlertSeverity,
		Reversible: "no",
		Reverted:   "no",
	}
	start := time.Now()
	result, err := action.Execute(execCtx, j.target, record.Parameters)
	elapsed := time.Since(start)
	e.targets.release(j.target)

	metrics.ActionSeconds.WithLabelValues(j.action).Observe(elapsed.Seconds())

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		record.Result = "timeout"
	case err != nil:
		record.Result = "error:" + errorKind(err)
		log.Error().Err(err).
			Str("action_type", j.action).
			Str("target", j.target).
			Msg("action execution failed")
	default:
		record.Result = result.Message
		if result.Reversible {
			record.Reversible = "yes"
			record.RevertToken = result.RevertToken
		}
	}
	metrics.RecordActionResult(j.action, record.Result)

	e.emit(record)
}

// Revert undoes a previously executed action and appends a fresh record
// for the reversal. Reverting an already-reverted action returns the
// existing revert record unchanged.
func (e *Engine) Revert(ctx context.Context, actionID string) (models.ActionRecord, error) {
	if prior, err := e.repo.RevertFor(ctx, actionID); err == nil {
		return prior, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return models.ActionRecord{}, err
	}

	original, err := e.repo.GetAction(ctx, actionID)
	if err != nil {
		return models.ActionRecord{}, err
	}
	if original.Reversible != "yes" || original.RevertToken == "" {
		return models.ActionRecord{}, ErrNotRevertible
	}

	action, err := e.registry.Get(original.ActionType)
	if err != nil {
		return models.ActionRecord{}, err
	}

	record := models.ActionRecord{
		ActionID:   models.NewID(),
		AlertID:    original.AlertID,
		TS:         models.Now(),
		ActionType: original.ActionType,
		Target:     original.Target,
		SafetyGate: original.SafetyGate,
		Reversible: "no",
		Reverted:   "yes",
		RevertOf:   actionID,
	}

	e.targets.acquire(original.Target)
	msg, err := action.Revert(ctx, original.RevertToken)
	e.targets.release(original.Target)
	if err != nil {
		record.Result = "error:" + errorKind(err)
	} else {
		record.Result = msg
	}
	metrics.RecordActionResult(original.ActionType, record.Result)

	e.emit(record)
	if err != nil {
		return record, err
	}
	return record, nil
}

// emit persists the record, then publishes it. Persistence failure drops
// the publish so downstream never sees a record the store does not hold.
func (e *Engine) emit(record models.ActionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := repository.SaveRetry(ctx, "actions", func() error {
		return e.repo.SaveAction(ctx, record)
	}); err != nil {
		return
	}
	if err := bus.PublishJSON(ctx, e.bus, bus.TopicActions, record); err != nil {
		log.Warn().Err(err).Str("action_id", record.ActionID).Msg("action record publish failed")
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, actions.ErrNotReversible):
		return "not_reversible"
	case errors.Is(err, actions.ErrUnknownToken):
		return "unknown_token"
	default:
		return "execution"
	}
}

// dedupeSet is a bounded LRU set of alert ids already responded to, so a
// replayed report cannot append a second live action record.
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

// targetGate serializes executions per target with a single-slot channel
// each, refcounted so idle entries do not accumulate.
type targetGate struct {
	mu    sync.Mutex
	slots map[string]*gateSlot
}

type gateSlot struct {
	ch   chan struct{}
	refs int
}

func newTargetGate() *targetGate {
	return &targetGate{slots: make(map[string]*gateSlot)}
}

func (g *targetGate) acquire(target string) {
	g.mu.Lock()
	slot, ok := g.slots[target]
	if !ok {
		slot = &gateSlot{ch: make(chan struct{}, 1)}
		g.slots[target] = slot
	}
	slot.refs++
	g.mu.Unlock()

	slot.ch <- struct{}{}
}

func (g *targetGate) release(target string) {
	g.mu.Lock()
	slot, ok := g.slots[target]
	if !ok {
		g.mu.Unlock()
		return
	}
	<-slot.ch
	slot.refs--
	if slot.refs == 0 {
		delete(g.slots, target)
	}
	g.mu.Unlock()
}
