package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/secdashio/report-be/internal/auth"
	"github.com/secdashio/report-be/internal/report/domain"
)

// StreamReportEvents handles GET /api/v1/reports/:report_id/events
//
// A long-lived, append-only push stream: one JSON object per line, each
// with a type discriminator (status | update | complete | error),
// flushed as events arrive. The stream ends when the job reaches a
// terminal state, the client disconnects, or the subscription hits its
// lifetime ceiling.
func (h *ReportHandler) StreamReportEvents(c *gin.Context) {
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

	sub, err := h.hub.Subscribe(c.Request.Context(), reportID, identity.ID, identity.Admin())
	if err != nil {
		if errors.Is(err, domain.ErrReportNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Report not found",
			})
			return
		}
		h.logger.Error("Failed to subscribe to report events",
			slog.String("report_id", reportID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to open status channel",
		})
		return
	}
	defer h.hub.Unsubscribe(sub)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Streaming not supported",
		})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	encoder := json.NewEncoder(c.Writer)

	h.logger.Info("Status channel opened",
		slog.String("report_id", reportID),
		slog.String("subscription_id", sub.ID),
	)

	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			h.logger.Debug("Status channel client disconnected",
				slog.String("report_id", reportID),
				slog.String("subscription_id", sub.ID),
			)
			return

		case ev, open := <-sub.Events():
			if !open {
				h.logger.Debug("Status channel closed",
					slog.String("report_id", reportID),
					slog.String("subscription_id", sub.ID),
				)
				return
			}

			// Encode appends the newline that delimits events
			if err := encoder.Encode(ev); err != nil {
				h.logger.Debug("Status channel write failed",
					slog.String("report_id", reportID),
					slog.String("error", err.Error()),
				)
				return
			}
			flusher.Flush()
		}
	}
}
