package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/secdashio/report-be/internal/report/domain"
)

// Storage is the durable record store for reports. All reads and
// caller-driven mutations are owner-scoped unless the admin override
// flag is set.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// CreateReport inserts the initial record for a new generation attempt
func (s *Storage) CreateReport(ctx context.Context, r *domain.Report) error {
	query := `
		INSERT INTO reports (
			report_id, owner_id, report_type, status,
			progress_percent, progress_message, content,
			threat_count, flow_count, duration_hours,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		r.ReportID,
		r.OwnerID,
		r.ReportType,
		r.Status,
		r.ProgressPercent,
		r.ProgressMessage,
		r.Content,
		r.ThreatCount,
		r.FlowCount,
		r.DurationHours,
		r.CreatedAt,
		r.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}

	return nil
}

// GetReport retrieves one report. A non-owner without the admin override
// gets ErrReportNotFound rather than a permission error so report ids do
// not leak across owners.
func (s *Storage) GetReport(ctx context.Context, reportID, ownerID string, adminOverride bool) (*domain.Report, error) {
	var r domain.Report
	query := `
		SELECT
			report_id, owner_id, report_type, status,
			progress_percent, progress_message, content,
			threat_count, flow_count, duration_hours,
			created_at, updated_at
		FROM reports
		WHERE report_id = $1
		  AND (owner_id = $2 OR $3)
	`

	err := s.db.GetContext(ctx, &r, query, reportID, ownerID, adminOverride)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrReportNotFound
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	return &r, nil
}

// ReportFilter narrows ListReports results
type ReportFilter struct {
	OwnerID         string
	AdminOverride   bool
	ReportType      string
	Status          string
	IncludeArchived bool
	PageSize        int
	Cursor          *ReportCursor
}

// ReportCursor is a (created_at, report_id) keyset pagination cursor
type ReportCursor struct {
	CreatedAt time.Time
	ReportID  string
}

// ListReports returns up to PageSize+1 reports so the caller can detect
// whether more pages exist. Archived reports are excluded by default.
func (s *Storage) ListReports(ctx context.Context, filter ReportFilter) ([]domain.Report, error) {
	query := `
		SELECT
			report_id, owner_id, report_type, status,
			progress_percent, progress_message, content,
			threat_count, flow_count, duration_hours,
			created_at, updated_at
		FROM reports
		WHERE (owner_id = $1 OR $2)
	`
	args := []interface{}{filter.OwnerID, filter.AdminOverride}
	argIdx := 3

	if !filter.IncludeArchived {
		query += fmt.Sprintf(" AND status <> $%d", argIdx)
		args = append(args, domain.StatusArchived)
		argIdx++
	}

	if filter.ReportType != "" {
		query += fmt.Sprintf(" AND report_type = $%d", argIdx)
		args = append(args, filter.ReportType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, report_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ReportID)
		argIdx += 2
	}

	// Order by created_at DESC, report_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, report_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var reports []domain.Report
	err := s.db.SelectContext(ctx, &reports, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	return reports, nil
}

// MarkGenerating moves a freshly created record into GENERATING
func (s *Storage) MarkGenerating(ctx context.Context, reportID string) error {
	query := `
		UPDATE reports
		SET status = $1,
		    updated_at = NOW()
		WHERE report_id = $2
	`

	_, err := s.db.ExecContext(ctx, query, domain.StatusGenerating, reportID)
	if err != nil {
		return fmt.Errorf("failed to mark report generating: %w", err)
	}

	return nil
}

// UpdateProgress persists a progress update for a GENERATING report.
// The percent guard keeps persisted progress monotonic even if a stale
// update slips past the state machine.
func (s *Storage) UpdateProgress(ctx context.Context, reportID string, percent int, message string) error {
	query := `
		UPDATE reports
		SET progress_percent = GREATEST(progress_percent, $1),
		    progress_message = $2,
		    updated_at = NOW()
		WHERE report_id = $3
		  AND status = $4
	`

	_, err := s.db.ExecContext(ctx, query, percent, message, reportID, domain.StatusGenerating)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}

	return nil
}

// MergeContent stores the latest merged partial content and the derived
// summary counters while generation is still running
func (s *Storage) MergeContent(ctx context.Context, reportID string, content json.RawMessage, threatCount, flowCount int) error {
	query := `
		UPDATE reports
		SET content = $1,
		    threat_count = $2,
		    flow_count = $3,
		    updated_at = NOW()
		WHERE report_id = $4
		  AND status = $5
	`

	_, err := s.db.ExecContext(ctx, query, content, threatCount, flowCount, reportID, domain.StatusGenerating)
	if err != nil {
		return fmt.Errorf("failed to merge content: %w", err)
	}

	return nil
}

// MarkPublished finalizes a successful generation attempt
func (s *Storage) MarkPublished(ctx context.Context, reportID string, content json.RawMessage, threatCount, flowCount int) error {
	query := `
		UPDATE reports
		SET status = $1,
		    progress_percent = 100,
		    progress_message = $2,
		    content = COALESCE($3, content),
		    threat_count = $4,
		    flow_count = $5,
		    updated_at = NOW()
		WHERE report_id = $6
	`

	var contentArg interface{}
	if len(content) > 0 {
		contentArg = []byte(content)
	}

	_, err := s.db.ExecContext(ctx, query, domain.StatusPublished, "Report generation complete", contentArg, threatCount, flowCount, reportID)
	if err != nil {
		return fmt.Errorf("failed to mark report published: %w", err)
	}

	s.logger.Info("Report published",
		slog.String("report_id", reportID),
	)

	return nil
}

// MarkFailed records a terminal failure. Progress and the last merged
// partial content are left in place so a failed report stays inspectable.
func (s *Storage) MarkFailed(ctx context.Context, reportID, message string) error {
	query := `
		UPDATE reports
		SET status = $1,
		    progress_message = $2,
		    updated_at = NOW()
		WHERE report_id = $3
	`

	_, err := s.db.ExecContext(ctx, query, domain.StatusFailed, message, reportID)
	if err != nil {
		return fmt.Errorf("failed to mark report failed: %w", err)
	}

	s.logger.Warn("Report marked failed",
		slog.String("report_id", reportID),
		slog.String("reason", message),
	)

	return nil
}

// ArchiveReport moves a PUBLISHED report to ARCHIVED. Returns false when
// the report does not exist, is not visible to the caller, or is not in a
// state that can be archived.
func (s *Storage) ArchiveReport(ctx context.Context, reportID, ownerID string, adminOverride bool) (bool, error) {
	return s.setArchiveStatus(ctx, reportID, ownerID, adminOverride, domain.StatusPublished, domain.StatusArchived)
}

// RestoreReport moves an ARCHIVED report back to PUBLISHED
func (s *Storage) RestoreReport(ctx context.Context, reportID, ownerID string, adminOverride bool) (bool, error) {
	return s.setArchiveStatus(ctx, reportID, ownerID, adminOverride, domain.StatusArchived, domain.StatusPublished)
}

func (s *Storage) setArchiveStatus(ctx context.Context, reportID, ownerID string, adminOverride bool, fromStatus, toStatus string) (bool, error) {
	query := `
		UPDATE reports
		SET status = $1,
		    updated_at = NOW()
		WHERE report_id = $2
		  AND (owner_id = $3 OR $4)
		  AND status = $5
	`

	result, err := s.db.ExecContext(ctx, query, toStatus, reportID, ownerID, adminOverride, fromStatus)
	if err != nil {
		return false, fmt.Errorf("failed to update report status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// DeleteReport permanently removes a report record
func (s *Storage) DeleteReport(ctx context.Context, reportID, ownerID string, adminOverride bool) (bool, error) {
	query := `
		DELETE FROM reports
		WHERE report_id = $1
		  AND (owner_id = $2 OR $3)
	`

	result, err := s.db.ExecContext(ctx, query, reportID, ownerID, adminOverride)
	if err != nil {
		return false, fmt.Errorf("failed to delete report: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}
