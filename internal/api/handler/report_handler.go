package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/secdashio/report-be/internal/api/dto"
	"github.com/secdashio/report-be/internal/auth"
	"github.com/secdashio/report-be/internal/report/domain"
	"github.com/secdashio/report-be/internal/report/storage"
)

// GenerateReport handles POST /api/v1/reports/generate
// Creates the initial record and starts the generation pipeline; returns
// the new report id without waiting for completion.
func (h *ReportHandler) GenerateReport(c *gin.Context) {
	identity, ok := auth.CallerIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req dto.GenerateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	r, err := h.generator.StartGeneration(c.Request.Context(), identity.ID, req.ReportType, req.DurationHours)
	if err != nil {
		h.logger.Error("Failed to start report generation",
			slog.String("owner_id", identity.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to start report generation",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.GenerateReportResponse{
		ReportID: r.ReportID,
		Status:   r.Status,
	})
}

// GetReport handles GET /api/v1/reports/:report_id
// Retrieves one report, owner-scoped with admin override
func (h *ReportHandler) GetReport(c *gin.Context) {
	identity, ok := auth.CallerIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	reportID := c.Param("report_id")
	if _, err := uuid.Parse(reportID); err != nil {
		h.logger.Error("Invalid report_id format",
			slog.String("report_id", reportID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "report_id must be a valid UUID",
		})
		return
	}

	r, err := h.storage.GetReport(c.Request.Context(), reportID, identity.ID, identity.Admin())
	if err != nil {
		if errors.Is(err, domain.ErrReportNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Report not found",
			})
			return
		}
		h.logger.Error("Failed to get report",
			slog.String("report_id", reportID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get report",
		})
		return
	}

	c.JSON(http.StatusOK, reportToDTO(r))
}

// ListReports handles GET /api/v1/reports
// Owner-scoped cursor-paginated listing; archived reports are excluded
// unless include_archived is set
func (h *ReportHandler) ListReports(c *gin.Context) {
	identity, ok := auth.CallerIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req dto.ListReportsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}

	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeReportCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.ReportFilter{
		OwnerID:         identity.ID,
		AdminOverride:   identity.Admin(),
		ReportType:      req.ReportType,
		Status:          req.Status,
		IncludeArchived: req.IncludeArchived,
		PageSize:        req.PageSize,
		Cursor:          cursor,
	}

	reports, err := h.storage.ListReports(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list reports", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list reports",
		})
		return
	}

	hasMore := len(reports) > req.PageSize
	if hasMore {
		reports = reports[:req.PageSize]
	}

	reportResponse := make([]dto.ReportDTO, len(reports))
	for i, r := range reports {
		reportResponse[i] = reportToDTO(&r)
	}

	var nextCursor string
	if hasMore {
		last := reports[len(reports)-1]
		nextCursor = EncodeReportCursor(&storage.ReportCursor{
			CreatedAt: last.CreatedAt,
			ReportID:  last.ReportID,
		})
	}

	c.JSON(http.StatusOK, dto.ListReportsResponse{
		Reports:    reportResponse,
		NextCursor: nextCursor,
	})
}

// ArchiveReport handles POST /api/v1/reports/:report_id/archive
func (h *ReportHandler) ArchiveReport(c *gin.Context) {
	h.setArchiveStatus(c, true)
}

// RestoreReport handles POST /api/v1/reports/:report_id/restore
func (h *ReportHandler) RestoreReport(c *gin.Context) {
	h.setArchiveStatus(c, false)
}

func (h *ReportHandler) setArchiveStatus(c *gin.Context, archive bool) {
	identity, ok := auth.CallerIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	reportID := c.Param("report_id")
	if _, err := uuid.Parse(reportID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "report_id must be a valid UUID",
		})
		return
	}

	var (
		changed bool
		err     error
		action  string
	)
	if archive {
		action = "archive"
		changed, err = h.storage.ArchiveReport(c.Request.Context(), reportID, identity.ID, identity.Admin())
	} else {
		action = "restore"
		changed, err = h.storage.RestoreReport(c.Request.Context(), reportID, identity.ID, identity.Admin())
	}

	if err != nil {
		h.logger.Error("Failed to update archive status",
			slog.String("report_id", reportID),
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to update report",
		})
		return
	}

	if !changed {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Report not found or not in a state that can be " + action + "d",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"report_id": reportID,
		"action":    action,
	})
}

// DeleteReport handles DELETE /api/v1/reports/:report_id
func (h *ReportHandler) DeleteReport(c *gin.Context) {
	identity, ok := auth.CallerIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	reportID := c.Param("report_id")
	if _, err := uuid.Parse(reportID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "report_id must be a valid UUID",
		})
		return
	}

	deleted, err := h.storage.DeleteReport(c.Request.Context(), reportID, identity.ID, identity.Admin())
	if err != nil {
		h.logger.Error("Failed to delete report",
			slog.String("report_id", reportID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete report",
		})
		return
	}

	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Report not found",
		})
		return
	}

	c.Status(http.StatusNoContent)
}

func reportToDTO(r *domain.Report) dto.ReportDTO {
	return dto.ReportDTO{
		ReportID:        r.ReportID,
		OwnerID:         r.OwnerID,
		ReportType:      r.ReportType,
		Status:          r.Status,
		ProgressPercent: r.ProgressPercent,
		ProgressMessage: r.ProgressMessage,
		Content:         r.Content,
		ThreatCount:     r.ThreatCount,
		FlowCount:       r.FlowCount,
		DurationHours:   r.DurationHours,
		CreatedAt:       r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       r.UpdatedAt.Format(time.RFC3339),
	}
}
