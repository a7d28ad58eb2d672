// Package engine holds the authoritative lifecycle for one
// report-generation job. Each job runs one engine instance consuming an
// ordered event channel; the engine is the only writer to the report's
// status and progress fields while the job is GENERATING.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/secdashio/report-be/internal/report/domain"
)

const (
	storeWriteAttempts  = 3
	storeWriteBaseDelay = 100 * time.Millisecond
)

// RecordStore is the subset of the record store the engine writes through
type RecordStore interface {
	MarkGenerating(ctx context.Context, reportID string) error
	UpdateProgress(ctx context.Context, reportID string, percent int, message string) error
	MergeContent(ctx context.Context, reportID string, content json.RawMessage, threatCount, flowCount int) error
	MarkPublished(ctx context.Context, reportID string, content json.RawMessage, threatCount, flowCount int) error
	MarkFailed(ctx context.Context, reportID, message string) error
}

// Broadcaster fans state transitions out to live subscribers
type Broadcaster interface {
	Publish(reportID string, ev domain.StreamEvent)
}

// LifecycleNotifier receives terminal transitions for the dashboard's
// notification feed. May be nil.
type LifecycleNotifier interface {
	NotifyTerminal(ctx context.Context, r *domain.Report) error
}

// Engine drives one job through DRAFT → GENERATING → {PUBLISHED | FAILED}
type Engine struct {
	store    RecordStore
	hub      Broadcaster
	notifier LifecycleNotifier
	logger   *slog.Logger

	report  *domain.Report
	content map[string]interface{}
}

// NewEngine creates an engine for one job. The report is the freshly
// created DRAFT record; the engine owns this copy until it reaches a
// terminal state.
func NewEngine(store RecordStore, hub Broadcaster, notifier LifecycleNotifier, logger *slog.Logger, report *domain.Report) *Engine {
	content := map[string]interface{}{}
	if len(report.Content) > 0 {
		// A malformed placeholder only costs us the merge base
		_ = json.Unmarshal(report.Content, &content)
	}

	return &Engine{
		store:    store,
		hub:      hub,
		notifier: notifier,
		logger:   logger,
		report:   report,
		content:  content,
	}
}

// Run consumes events until the terminal one arrives. Events for this
// job are processed strictly in arrival order; different jobs' engines
// are independent.
func (e *Engine) Run(ctx context.Context, events <-chan domain.WorkerEvent) {
	for ev := range events {
		switch ev.Kind {
		case domain.EventStarted:
			e.handleStarted(ctx)
		case domain.EventProgress:
			e.handleProgress(ctx, ev)
		case domain.EventPartial:
			e.handlePartial(ctx, ev)
		case domain.EventCompleted:
			e.handleCompleted(ctx, ev)
			return
		case domain.EventFailed:
			e.handleFailed(ctx, ev)
			return
		}
	}

	// The channel closed without a terminal event: the producer died.
	// Surface it rather than leaving the job GENERATING forever.
	e.handleFailed(ctx, domain.WorkerEvent{
		Kind:     domain.EventFailed,
		ExitCode: -1,
		Reason:   "Generation pipeline ended without a result",
	})
}

// Report returns the engine's current in-memory view
func (e *Engine) Report() *domain.Report {
	return e.report
}

func (e *Engine) handleStarted(ctx context.Context) {
	e.report.Status = domain.StatusGenerating
	e.report.UpdatedAt = time.Now().UTC()

	e.writeWithRetry(ctx, "mark generating", func(ctx context.Context) error {
		return e.store.MarkGenerating(ctx, e.report.ReportID)
	})

	e.hub.Publish(e.report.ReportID, domain.StreamEvent{
		Type:            domain.EventTypeStatus,
		ReportID:        e.report.ReportID,
		Status:          e.report.Status,
		ProgressPercent: e.report.ProgressPercent,
		ProgressMessage: e.report.ProgressMessage,
		Timestamp:       e.report.UpdatedAt,
	})
}

func (e *Engine) handleProgress(ctx context.Context, ev domain.WorkerEvent) {
	// Progress is monotone: a lower percent is discarded, but the
	// message half of the update still applies
	if ev.Percent > e.report.ProgressPercent {
		e.report.ProgressPercent = ev.Percent
	}
	if ev.Message != "" {
		e.report.ProgressMessage = ev.Message
	}
	e.report.UpdatedAt = time.Now().UTC()

	percent := e.report.ProgressPercent
	message := e.report.ProgressMessage
	e.writeWithRetry(ctx, "update progress", func(ctx context.Context) error {
		return e.store.UpdateProgress(ctx, e.report.ReportID, percent, message)
	})

	e.hub.Publish(e.report.ReportID, domain.StreamEvent{
		Type:            domain.EventTypeUpdate,
		ReportID:        e.report.ReportID,
		Status:          e.report.Status,
		ProgressPercent: e.report.ProgressPercent,
		ProgressMessage: e.report.ProgressMessage,
		Timestamp:       e.report.UpdatedAt,
	})
}

func (e *Engine) handlePartial(ctx context.Context, ev domain.WorkerEvent) {
	// Shallow merge: incoming top-level keys replace existing ones
	for k, v := range ev.Fragment {
		e.content[k] = v
	}
	e.refreshCounters(ev.Fragment)

	merged, err := json.Marshal(e.content)
	if err != nil {
		e.logger.Error("Failed to serialize merged content",
			slog.String("report_id", e.report.ReportID),
			slog.String("error", err.Error()),
		)
		return
	}

	e.report.Content = merged
	e.report.UpdatedAt = time.Now().UTC()

	threats, flows := e.report.ThreatCount, e.report.FlowCount
	e.writeWithRetry(ctx, "merge content", func(ctx context.Context) error {
		return e.store.MergeContent(ctx, e.report.ReportID, merged, threats, flows)
	})

	e.hub.Publish(e.report.ReportID, domain.StreamEvent{
		Type:            domain.EventTypeUpdate,
		ReportID:        e.report.ReportID,
		Status:          e.report.Status,
		ProgressPercent: e.report.ProgressPercent,
		ProgressMessage: e.report.ProgressMessage,
		Content:         merged,
		ThreatCount:     e.report.ThreatCount,
		FlowCount:       e.report.FlowCount,
		Timestamp:       e.report.UpdatedAt,
	})
}

func (e *Engine) handleCompleted(ctx context.Context, ev domain.WorkerEvent) {
	// A final payload replaces everything; otherwise the last merged
	// partial content stands
	if len(ev.Fragment) > 0 {
		e.content = ev.Fragment
		e.refreshCounters(ev.Fragment)
	}

	var final json.RawMessage
	if len(e.content) > 0 {
		if data, err := json.Marshal(e.content); err == nil {
			final = data
			e.report.Content = data
		}
	}

	e.report.Status = domain.StatusPublished
	e.report.ProgressPercent = 100
	e.report.ProgressMessage = "Report generation complete"
	e.report.UpdatedAt = time.Now().UTC()

	threats, flows := e.report.ThreatCount, e.report.FlowCount
	e.writeWithRetry(ctx, "mark published", func(ctx context.Context) error {
		return e.store.MarkPublished(ctx, e.report.ReportID, final, threats, flows)
	})

	e.hub.Publish(e.report.ReportID, domain.StreamEvent{
		Type:            domain.EventTypeComplete,
		ReportID:        e.report.ReportID,
		Status:          e.report.Status,
		ProgressPercent: 100,
		ProgressMessage: e.report.ProgressMessage,
		Content:         e.report.Content,
		ThreatCount:     e.report.ThreatCount,
		FlowCount:       e.report.FlowCount,
		Timestamp:       e.report.UpdatedAt,
	})

	e.notifyTerminal(ctx)

	e.logger.Info("Report generation published",
		slog.String("report_id", e.report.ReportID),
		slog.Int("threat_count", e.report.ThreatCount),
		slog.Int("flow_count", e.report.FlowCount),
	)
}

func (e *Engine) handleFailed(ctx context.Context, ev domain.WorkerEvent) {
	// Progress stays at its last value and partial content is preserved
	// so a failed report still shows how far the analysis got
	message := ev.Reason
	if message == "" {
		message = "Report generation failed"
	}

	e.report.Status = domain.StatusFailed
	e.report.ProgressMessage = message
	e.report.UpdatedAt = time.Now().UTC()

	e.writeWithRetry(ctx, "mark failed", func(ctx context.Context) error {
		return e.store.MarkFailed(ctx, e.report.ReportID, message)
	})

	e.hub.Publish(e.report.ReportID, domain.StreamEvent{
		Type:            domain.EventTypeError,
		ReportID:        e.report.ReportID,
		Status:          e.report.Status,
		ProgressPercent: e.report.ProgressPercent,
		ProgressMessage: message,
		Content:         e.report.Content,
		Error:           message,
		Timestamp:       e.report.UpdatedAt,
	})

	e.notifyTerminal(ctx)

	e.logger.Warn("Report generation failed",
		slog.String("report_id", e.report.ReportID),
		slog.Int("exit_code", ev.ExitCode),
		slog.String("reason", message),
		slog.Int("last_progress", e.report.ProgressPercent),
	)
}

// refreshCounters derives the dashboard summary counters from a fragment
// when it carries them, either as explicit counts or as result arrays
func (e *Engine) refreshCounters(fragment map[string]interface{}) {
	if n, ok := numericField(fragment, "threat_count"); ok {
		e.report.ThreatCount = n
	} else if items, ok := fragment["threats"].([]interface{}); ok {
		e.report.ThreatCount = len(items)
	}

	if n, ok := numericField(fragment, "flow_count"); ok {
		e.report.FlowCount = n
	} else if items, ok := fragment["flows"].([]interface{}); ok {
		e.report.FlowCount = len(items)
	}
}

func numericField(fragment map[string]interface{}, key string) (int, bool) {
	v, ok := fragment[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// writeWithRetry persists one transition with exponential backoff. A
// state transition is never dropped silently: every failed attempt is
// logged and the hub's polling fallback reconciles subscribers against
// whatever the store last accepted.
func (e *Engine) writeWithRetry(ctx context.Context, op string, write func(context.Context) error) {
	var lastErr error
	delay := storeWriteBaseDelay

	for attempt := 1; attempt <= storeWriteAttempts; attempt++ {
		err := write(ctx)
		if err == nil {
			if attempt > 1 {
				e.logger.Info("Store write succeeded after retry",
					slog.String("report_id", e.report.ReportID),
					slog.String("op", op),
					slog.Int("attempt", attempt),
				)
			}
			return
		}

		lastErr = err
		if attempt < storeWriteAttempts {
			e.logger.Warn("Store write failed, retrying",
				slog.String("report_id", e.report.ReportID),
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("retry_after", delay),
				slog.String("error", err.Error()),
			)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				e.logger.Error("Store write abandoned - context canceled",
					slog.String("report_id", e.report.ReportID),
					slog.String("op", op),
					slog.String("error", err.Error()),
				)
				return
			}
			delay *= 2
		}
	}

	e.logger.Error("Store write failed after all retries",
		slog.String("report_id", e.report.ReportID),
		slog.String("op", op),
		slog.Int("attempts", storeWriteAttempts),
		slog.String("error", lastErr.Error()),
	)
}

func (e *Engine) notifyTerminal(ctx context.Context) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.NotifyTerminal(ctx, e.report); err != nil {
		e.logger.Warn("Failed to publish lifecycle notification",
			slog.String("report_id", e.report.ReportID),
			slog.String("status", e.report.Status),
			slog.String("error", err.Error()),
		)
	}
}
