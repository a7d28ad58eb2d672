// Package extractor turns raw analysis-worker output into semantic
// events, and synthesizes an equivalent event stream when no worker is
// available.
//
// Line protocol v1:
//
//	PROGRESS:<pct>% - <message>
//	PARTIAL_RESULTS:<json object>
//
// Lines matching neither shape are logged and skipped so unknown worker
// output never breaks the pipeline.
package extractor

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/secdashio/report-be/internal/report/domain"
	"github.com/secdashio/report-be/internal/report/supervisor"
)

var progressPattern = regexp.MustCompile(`^PROGRESS:\s*(-?\d+)%\s*(?:-\s*(.*))?$`)

const partialPrefix = "PARTIAL_RESULTS:"

// Extractor parses worker output lines into WorkerEvents
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor creates a new Extractor instance
func NewExtractor(logger *slog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// ParseLine recognizes one protocol line. The second return value is
// false for lines that match neither marker.
func (e *Extractor) ParseLine(line string) (domain.WorkerEvent, bool) {
	line = strings.TrimSpace(line)

	if m := progressPattern.FindStringSubmatch(line); m != nil {
		percent, err := strconv.Atoi(m[1])
		if err != nil {
			return domain.WorkerEvent{}, false
		}
		return domain.WorkerEvent{
			Kind:    domain.EventProgress,
			Percent: clampPercent(percent),
			Message: m[2],
		}, true
	}

	if strings.HasPrefix(line, partialPrefix) {
		payload := strings.TrimSpace(strings.TrimPrefix(line, partialPrefix))

		var fragment map[string]interface{}
		if err := json.Unmarshal([]byte(payload), &fragment); err != nil {
			e.logger.Warn("Malformed partial-result payload",
				slog.String("error", err.Error()),
			)
			return domain.WorkerEvent{}, false
		}

		return domain.WorkerEvent{
			Kind:     domain.EventPartial,
			Fragment: fragment,
		}, true
	}

	return domain.WorkerEvent{}, false
}

// Run converts a supervisor handle into an ordered event stream. Exactly
// one terminal event (COMPLETED or FAILED) is emitted before the channel
// closes.
func (e *Extractor) Run(reportID string, handle *supervisor.Handle, events chan<- domain.WorkerEvent) {
	defer close(events)

	events <- domain.WorkerEvent{Kind: domain.EventStarted}

	for line := range handle.Lines {
		ev, ok := e.ParseLine(line)
		if !ok {
			e.logger.Debug("Unrecognized worker output",
				slog.String("report_id", reportID),
				slog.String("line", line),
			)
			continue
		}
		events <- ev
	}

	result := <-handle.Done
	if result.Completed() {
		events <- domain.WorkerEvent{Kind: domain.EventCompleted}
		return
	}

	events <- domain.WorkerEvent{
		Kind:     domain.EventFailed,
		ExitCode: result.ExitCode,
		Reason:   failureReason(result),
	}
}

// failureReason builds the human-readable failure summary stored as the
// report's last progress message
func failureReason(result supervisor.Result) string {
	if result.TimedOut {
		return "Analysis worker exceeded its runtime ceiling and was terminated"
	}

	reason := "Analysis worker exited with code " + strconv.Itoa(result.ExitCode)
	if tail := strings.TrimSpace(result.StderrTail); tail != "" {
		// Keep only the final stderr line in the message; the full tail
		// is already in the logs
		parts := strings.Split(tail, "\n")
		reason += ": " + parts[len(parts)-1]
	}
	return reason
}

// simulatedSteps is the fixed progress sequence used when no analysis
// worker is available
var simulatedSteps = []struct {
	percent int
	message string
}{
	{10, "Collecting traffic captures"},
	{30, "Reconstructing network flows"},
	{55, "Matching threat signatures"},
	{75, "Correlating alerts"},
	{90, "Rendering report sections"},
}

// SimulatedPlaceholderContent is the representative payload a simulated
// run publishes
func SimulatedPlaceholderContent() map[string]interface{} {
	return map[string]interface{}{
		"summary":      "Simulated analysis - no worker available",
		"threats":      []interface{}{},
		"flows":        []interface{}{},
		"threat_count": float64(0),
		"flow_count":   float64(0),
		"simulated":    true,
	}
}

// Simulate emits the fallback event sequence: fixed, time-paced progress
// steps terminating in a synthetic success with placeholder content. At
// the state-machine boundary it is indistinguishable from a real worker
// run.
func (e *Extractor) Simulate(ctx context.Context, reportID string, stepInterval time.Duration, events chan<- domain.WorkerEvent) {
	defer close(events)

	if stepInterval <= 0 {
		stepInterval = 2 * time.Second
	}

	e.logger.Info("Simulating report generation",
		slog.String("report_id", reportID),
		slog.Duration("step_interval", stepInterval),
	)

	events <- domain.WorkerEvent{Kind: domain.EventStarted}

	ticker := time.NewTicker(stepInterval)
	defer ticker.Stop()

	for _, step := range simulatedSteps {
		select {
		case <-ctx.Done():
			events <- domain.WorkerEvent{
				Kind:     domain.EventFailed,
				ExitCode: -1,
				Reason:   "Simulated generation canceled",
			}
			return
		case <-ticker.C:
		}

		events <- domain.WorkerEvent{
			Kind:    domain.EventProgress,
			Percent: step.percent,
			Message: step.message,
		}
	}

	events <- domain.WorkerEvent{
		Kind:     domain.EventCompleted,
		Fragment: SimulatedPlaceholderContent(),
	}
}

func clampPercent(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
