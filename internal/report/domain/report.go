package domain

import (
	"encoding/json"
	"time"
)

// Report represents one report-generation attempt and its record
type Report struct {
	ReportID        string          `db:"report_id"`
	OwnerID         string          `db:"owner_id"`
	ReportType      string          `db:"report_type"`
	Status          string          `db:"status"`
	ProgressPercent int             `db:"progress_percent"`
	ProgressMessage string          `db:"progress_message"`
	Content         json.RawMessage `db:"content"`
	ThreatCount     int             `db:"threat_count"`
	FlowCount       int             `db:"flow_count"`
	DurationHours   int             `db:"duration_hours"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// StatusTerminal reports whether a status admits no further generation events
func StatusTerminal(status string) bool {
	switch status {
	case StatusPublished, StatusFailed, StatusArchived:
		return true
	}
	return false
}
