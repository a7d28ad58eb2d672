package handler

import (
	"log/slog"

	"github.com/secdashio/report-be/internal/report"
	"github.com/secdashio/report-be/internal/report/hub"
	"github.com/secdashio/report-be/internal/report/storage"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Storage   *storage.Storage
	Hub       *hub.Hub
	Generator *report.Generator
}

// ReportHandler handles report-related HTTP requests
type ReportHandler struct {
	logger    *slog.Logger
	storage   *storage.Storage
	hub       *hub.Hub
	generator *report.Generator
}

// NewReportHandler creates a new ReportHandler instance
func NewReportHandler(deps *Dependencies) *ReportHandler {
	return &ReportHandler{
		logger:    deps.Logger,
		storage:   deps.Storage,
		hub:       deps.Hub,
		generator: deps.Generator,
	}
}
