// Package pipeline wires the stages together and owns their lifecycle.
// Construction order is storage up to surfaces; shutdown runs in reverse
// so producers stop before the consumers and the store they feed.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentinelsec/sentinel/internal/actions"
	"github.com/sentinelsec/sentinel/internal/api"
	"github.com/sentinelsec/sentinel/internal/bus"
	"github.com/sentinelsec/sentinel/internal/capture"
	"github.com/sentinelsec/sentinel/internal/config"
	"github.com/sentinelsec/sentinel/internal/detection"
	"github.com/sentinelsec/sentinel/internal/intel"
	"github.com/sentinelsec/sentinel/internal/investigation"
	"github.com/sentinelsec/sentinel/internal/models"
	"github.com/sentinelsec/sentinel/internal/notify"
	"github.com/sentinelsec/sentinel/internal/repository"
	"github.com/sentinelsec/sentinel/internal/response"
)

// Pipeline holds every constructed stage.
type Pipeline struct {
	settings *config.Settings

	repo     *repository.Repository
	bus      bus.Bus
	registry *intel.Registry
	source   capture.Source

	detect   *detection.Engine
	agent    *investigation.Agent
	respond  *response.Engine
	server   *api.Server
	notifier *notify.Notifier
}

// New builds the full pipeline from validated settings. Nothing runs
// until Run is called.
func New(settings *config.Settings) (*Pipeline, error) {
	p := &Pipeline{settings: settings}

	repo, err := repository.Open(settings.PersistenceURL)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	p.repo = repo

	if p.bus, err = buildBus(settings); err != nil {
		p.close()
		return nil, err
	}

	cache, err := buildCache(settings)
	if err != nil {
		p.close()
		return nil, err
	}
	p.registry = intel.NewRegistry(settings.TIProviders, settings.OfflineMode, cache)

	scorer, err := buildScorer(settings)
	if err != nil {
		p.close()
		return nil, err
	}
	if p.source, err = buildSource(settings); err != nil {
		p.close()
		return nil, err
	}

	actionRegistry := actions.NewRegistry(actions.Config{
		Production: settings.ProductionActionsEnabled,
	})
	p.respond, err = response.New(response.Config{
		DecisionMatrix:    settings.DecisionMatrix,
		VerdictThresholds: settings.VerdictThresholds,
		IPWhitelist:       settings.IPWhitelist,
		ManagementCIDRs:   settings.ManagementCIDRs,
		MinConfidence:     settings.MinConfidenceForIntrusiveAction,
		ActionTimeout:     config.Seconds(settings.ActionTimeout),
	}, actionRegistry, p.bus, p.repo, nil)
	if err != nil {
		p.close()
		return nil, fmt.Errorf("response engine: %w", err)
	}

	p.agent = investigation.New(investigation.Config{
		Alpha:             settings.Alpha,
		VerdictThresholds: settings.VerdictThresholds,
		FanoutTimeout:     config.Seconds(settings.TIFanoutTimeout),
		Workers:           settings.InvestigationWorkers,
	}, p.registry, p.bus, p.repo)

	p.detect = detection.New(detection.Config{
		SensorID:           settings.SensorID,
		SeverityThresholds: settings.SeverityThresholds,
		EmitThreshold:      settings.EmitThreshold,
		FlowIdleTimeout:    config.Seconds(settings.FlowIdleTimeout),
		FlushInterval:      config.Seconds(settings.FlushInterval),
		MaxFlows:           settings.MaxFlows,
		BatchSize:          settings.BatchSize,
		BatchTimeout:       config.Seconds(settings.BatchTimeout),
		Workers:            settings.ScoringWorkers,
	}, p.source, scorer, p.bus, p.repo)

	if settings.API.Enabled {
		p.server = api.NewServer(settings.API.Listen, p.mode(), p.repo, p.respond)
	}
	p.notifier = notify.New(settings.WebhookURLs)

	return p, nil
}

func (p *Pipeline) mode() string {
	if p.settings.ProductionActionsEnabled {
		return "production"
	}
	return "simulation"
}

// Repo exposes the record store.
func (p *Pipeline) Repo() *repository.Repository { return p.repo }

// Bus exposes the event bus.
func (p *Pipeline) Bus() bus.Bus { return p.bus }

// Intel exposes the TI registry.
func (p *Pipeline) Intel() *intel.Registry { return p.registry }

// Responder exposes the response engine, the API revert path in particular.
func (p *Pipeline) Responder() *response.Engine { return p.respond }

// Run starts every stage and blocks until ctx is canceled, then tears
// down in reverse order.
func (p *Pipeline) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var unsubscribeNotify func()
	if p.notifier.Enabled() {
		unsubscribeNotify = p.bus.Subscribe(bus.TopicActions, p.forwardNotification)
	}

	var wg sync.WaitGroup
	start := func(name string, run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("stage", name).Msg("stage started")
			run(runCtx)
			log.Info().Str("stage", name).Msg("stage stopped")
		}()
	}

	// Consumers first, the packet source last.
	start("response", p.respond.Run)
	start("investigation", p.agent.Run)
	start("detection", p.detect.Run)
	if p.server != nil {
		start("api", func(c context.Context) {
			if err := p.server.Run(c); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("api server stopped")
			}
		})
	}

	<-ctx.Done()
	log.Info().Msg("shutdown requested")
	cancel()
	wg.Wait()
	if unsubscribeNotify != nil {
		unsubscribeNotify()
	}
	p.close()
	return nil
}

// forwardNotification bridges action records to the webhook notifier.
func (p *Pipeline) forwardNotification(ctx context.Context, payload []byte) {
	var record models.ActionRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return
	}
	lookupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report, err := p.repo.GetInvestigation(lookupCtx, record.AlertID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return
	}
	p.notifier.Notify(lookupCtx, record, report)
}

// close releases resources in reverse construction order. Safe on a
// partially constructed pipeline.
func (p *Pipeline) close() {
	if p.source != nil {
		p.source.Close()
		p.source = nil
	}
	if p.bus != nil {
		if err := p.bus.Close(); err != nil {
			log.Warn().Err(err).Msg("bus close")
		}
		p.bus = nil
	}
	if p.repo != nil {
		if err := p.repo.Close(); err != nil {
			log.Warn().Err(err).Msg("repository close")
		}
		p.repo = nil
	}
}

func buildBus(settings *config.Settings) (bus.Bus, error) {
	memCfg := bus.MemoryConfig{
		QueueSize:      settings.QueueSize,
		PublishTimeout: config.Seconds(settings.PublishTimeout),
		DrainTimeout:   config.Seconds(settings.DrainTimeout),
	}
	switch settings.BusTransport {
	case "broker":
		return bus.NewBrokerBus(settings.BrokerURL, memCfg)
	default:
		return bus.NewMemoryBus(memCfg), nil
	}
}

func buildCache(settings *config.Settings) (intel.Cache, error) {
	if settings.TICache.Backend == "redis" {
		url := settings.TICache.RedisURL
		if url == "" {
			url = settings.BrokerURL
		}
		cache, err := intel.NewRedisCache(url)
		if err != nil {
			return nil, fmt.Errorf("ti cache: %w", err)
		}
		return cache, nil
	}
	return intel.NewMemoryCache(settings.TICache.Capacity), nil
}

func buildScorer(settings *config.Settings) (detection.Scorer, error) {
	if settings.ModelPath == "" {
		return detection.HeuristicScorer{}, nil
	}
	scorer, err := detection.LoadLogisticScorer(settings.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	return scorer, nil
}

func buildSource(settings *config.Settings) (capture.Source, error) {
	switch settings.Capture.Source {
	case "replay":
		return capture.NewReplaySource(settings.Capture.Path, settings.Capture.Pace)
	case "spool":
		return capture.NewSpoolSource(settings.Capture.SpoolDir)
	default:
		return capture.NewSyntheticSource(settings.Capture.Seed, settings.Capture.Rate), nil
	}
}
