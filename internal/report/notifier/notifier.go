// Package notifier publishes terminal report lifecycle events to
// RabbitMQ for the dashboard's notification feed. Delivery here is best
// effort: the record store carries the authoritative state.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/secdashio/report-be/internal/report/domain"
	"github.com/secdashio/report-be/shared/rabbitmq"
)

// Notifier publishes lifecycle messages through the shared RabbitMQ client
type Notifier struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewNotifier creates a new Notifier instance
func NewNotifier(client *rabbitmq.Client, logger *slog.Logger) *Notifier {
	return &Notifier{
		client: client,
		logger: logger,
	}
}

// lifecycleMessage is the wire shape of one notification
type lifecycleMessage struct {
	Event           string    `json:"event"`
	ReportID        string    `json:"report_id"`
	OwnerID         string    `json:"owner_id"`
	ReportType      string    `json:"report_type"`
	Status          string    `json:"status"`
	ProgressMessage string    `json:"progress_message,omitempty"`
	ThreatCount     int       `json:"threat_count"`
	FlowCount       int       `json:"flow_count"`
	Timestamp       time.Time `json:"timestamp"`
}

// NotifyTerminal publishes one message for a report that just reached
// PUBLISHED or FAILED
func (n *Notifier) NotifyTerminal(ctx context.Context, r *domain.Report) error {
	event := "report.published"
	if r.Status == domain.StatusFailed {
		event = "report.failed"
	}

	msg := lifecycleMessage{
		Event:           event,
		ReportID:        r.ReportID,
		OwnerID:         r.OwnerID,
		ReportType:      r.ReportType,
		Status:          r.Status,
		ProgressMessage: r.ProgressMessage,
		ThreatCount:     r.ThreatCount,
		FlowCount:       r.FlowCount,
		Timestamp:       time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle message: %w", err)
	}

	if err := n.client.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish lifecycle message: %w", err)
	}

	n.logger.Debug("Lifecycle notification published",
		slog.String("report_id", r.ReportID),
		slog.String("event", event),
	)

	return nil
}
