package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/secdashio/report-be/internal/api/handler"
	"github.com/secdashio/report-be/internal/auth"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, sessions auth.SessionStore) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "report-service",
		})
	})

	reportHandler := handler.NewReportHandler(deps)

	// API v1 routes, all behind session authentication
	v1 := r.Group("/api/v1")
	v1.Use(auth.Middleware(sessions, deps.Logger))
	{
		reports := v1.Group("/reports")
		{
			// POST /api/v1/reports/generate - Start a generation job
			reports.POST("/generate", reportHandler.GenerateReport)

			// GET /api/v1/reports - List reports with filtering and pagination
			reports.GET("", reportHandler.ListReports)

			// GET /api/v1/reports/:report_id - Get report details
			reports.GET("/:report_id", reportHandler.GetReport)

			// GET /api/v1/reports/:report_id/events - Live status channel
			reports.GET("/:report_id/events", reportHandler.StreamReportEvents)

			// POST /api/v1/reports/:report_id/archive - Archive a published report
			reports.POST("/:report_id/archive", reportHandler.ArchiveReport)

			// POST /api/v1/reports/:report_id/restore - Restore an archived report
			reports.POST("/:report_id/restore", reportHandler.RestoreReport)

			// DELETE /api/v1/reports/:report_id - Delete a report
			reports.DELETE("/:report_id", reportHandler.DeleteReport)
		}
	}

	return r
}
