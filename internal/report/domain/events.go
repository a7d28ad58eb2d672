package domain

import (
	"encoding/json"
	"time"
)

// WorkerEventKind discriminates events produced by the worker pipeline
type WorkerEventKind string

const (
	EventStarted   WorkerEventKind = "STARTED"
	EventProgress  WorkerEventKind = "PROGRESS"
	EventPartial   WorkerEventKind = "PARTIAL"
	EventCompleted WorkerEventKind = "COMPLETED"
	EventFailed    WorkerEventKind = "FAILED"
)

// WorkerEvent is one semantic event extracted from worker output.
// Events for a single report are delivered to its state machine in
// arrival order over one channel.
type WorkerEvent struct {
	Kind    WorkerEventKind
	Percent int    // PROGRESS only
	Message string // PROGRESS, FAILED

	// Fragment carries a partial-result payload (PARTIAL) or the final
	// payload when the worker provides one on completion (COMPLETED).
	Fragment map[string]interface{}

	ExitCode int    // FAILED only, -1 when no process ran
	Reason   string // FAILED only: crash, timeout, start failure
}

// StreamEvent is one line-delimited JSON event pushed to a subscriber
type StreamEvent struct {
	Type            string          `json:"type"`
	ReportID        string          `json:"report_id"`
	Status          string          `json:"status"`
	ProgressPercent int             `json:"progress_percent"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	Content         json.RawMessage `json:"content,omitempty"`
	ThreatCount     int             `json:"threat_count,omitempty"`
	FlowCount       int             `json:"flow_count,omitempty"`
	Error           string          `json:"error,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// StreamEventFromReport builds the synthetic "current status" event sent
// to a subscriber joining mid-job, and by the polling fallback.
func StreamEventFromReport(r *Report) StreamEvent {
	ev := StreamEvent{
		Type:            EventTypeStatus,
		ReportID:        r.ReportID,
		Status:          r.Status,
		ProgressPercent: r.ProgressPercent,
		ProgressMessage: r.ProgressMessage,
		Timestamp:       time.Now().UTC(),
	}
	switch r.Status {
	case StatusPublished:
		ev.Type = EventTypeComplete
		ev.Content = r.Content
		ev.ThreatCount = r.ThreatCount
		ev.FlowCount = r.FlowCount
	case StatusFailed:
		ev.Type = EventTypeError
		ev.Error = r.ProgressMessage
	}
	return ev
}
