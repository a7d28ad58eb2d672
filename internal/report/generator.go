// Package report wires the report-generation pipeline: one supervisor,
// extractor and state-machine engine per job, feeding the shared
// broadcast hub.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/secdashio/report-be/internal/report/domain"
	"github.com/secdashio/report-be/internal/report/engine"
	"github.com/secdashio/report-be/internal/report/extractor"
	"github.com/secdashio/report-be/internal/report/supervisor"
)

// RecordStore is what the generator needs from the record store: the
// initial insert plus the engine's write surface
type RecordStore interface {
	CreateReport(ctx context.Context, r *domain.Report) error
	engine.RecordStore
}

// GeneratorConfig holds generator dependencies and tuning
type GeneratorConfig struct {
	Store      RecordStore
	Hub        engine.Broadcaster
	Notifier   engine.LifecycleNotifier
	Supervisor *supervisor.Supervisor
	Logger     *slog.Logger

	// SimulateInterval paces the fallback progress sequence used when
	// no analysis worker is available
	SimulateInterval time.Duration

	// EventBuffer sizes each job's ordered event channel
	EventBuffer int
}

// Generator is the single entry point for starting report-generation
// jobs. Two parallel generate handlers in earlier revisions drifted
// apart; every variation is a parameter here, not a fork.
type Generator struct {
	store            RecordStore
	hub              engine.Broadcaster
	notifier         engine.LifecycleNotifier
	supervisor       *supervisor.Supervisor
	extractor        *extractor.Extractor
	logger           *slog.Logger
	simulateInterval time.Duration
	eventBuffer      int

	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewGenerator creates a new Generator. baseCtx bounds every pipeline it
// launches; canceling it (process shutdown) stops running jobs.
func NewGenerator(baseCtx context.Context, cfg *GeneratorConfig) *Generator {
	eventBuffer := cfg.EventBuffer
	if eventBuffer <= 0 {
		eventBuffer = 64
	}

	return &Generator{
		store:            cfg.Store,
		hub:              cfg.Hub,
		notifier:         cfg.Notifier,
		supervisor:       cfg.Supervisor,
		extractor:        extractor.NewExtractor(cfg.Logger),
		logger:           cfg.Logger,
		simulateInterval: cfg.SimulateInterval,
		eventBuffer:      eventBuffer,
		baseCtx:          baseCtx,
	}
}

// StartGeneration validates the request, writes the initial record and
// launches the pipeline. Returns the new report immediately; generation
// continues in the background.
func (g *Generator) StartGeneration(ctx context.Context, ownerID, reportType string, durationHours int) (*domain.Report, error) {
	if durationHours <= 0 {
		durationHours = 24
	}

	placeholder, _ := json.Marshal(map[string]interface{}{
		"summary": "Report generation in progress",
	})

	now := time.Now().UTC()
	r := &domain.Report{
		ReportID:        uuid.New().String(),
		OwnerID:         ownerID,
		ReportType:      reportType,
		Status:          domain.StatusDraft,
		ProgressPercent: 0,
		ProgressMessage: "Queued for generation",
		Content:         placeholder,
		DurationHours:   durationHours,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := g.store.CreateReport(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create report record: %w", err)
	}

	g.logger.Info("Report generation requested",
		slog.String("report_id", r.ReportID),
		slog.String("owner_id", ownerID),
		slog.String("report_type", reportType),
		slog.Int("duration_hours", durationHours),
	)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.runPipeline(r)
	}()

	return r, nil
}

// runPipeline drives one job from worker launch to terminal state
func (g *Generator) runPipeline(r *domain.Report) {
	events := make(chan domain.WorkerEvent, g.eventBuffer)
	eng := engine.NewEngine(g.store, g.hub, g.notifier, g.logger, r)

	handle, err := g.supervisor.Start(g.baseCtx, r.ReportID)
	switch {
	case err == nil:
		go g.extractor.Run(r.ReportID, handle, events)

	case errors.Is(err, domain.ErrWorkerMissing):
		// No worker binary: the orchestration contract still holds via
		// the simulated completion path
		go g.extractor.Simulate(g.baseCtx, r.ReportID, g.simulateInterval, events)

	default:
		// The binary exists but would not start; same terminal handling
		// as a runtime failure
		go func() {
			defer close(events)
			events <- domain.WorkerEvent{Kind: domain.EventStarted}
			events <- domain.WorkerEvent{
				Kind:     domain.EventFailed,
				ExitCode: -1,
				Reason:   "Failed to start analysis worker: " + err.Error(),
			}
		}()
	}

	eng.Run(g.baseCtx, events)
}

// Wait blocks until every launched pipeline has reached a terminal
// state, or the context expires
func (g *Generator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
