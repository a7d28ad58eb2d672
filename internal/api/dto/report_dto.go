package dto

import "encoding/json"

type GenerateReportRequest struct {
	ReportType    string `json:"report_type" binding:"required"`
	DurationHours int    `json:"duration_hours"`
}

type GenerateReportResponse struct {
	ReportID string `json:"report_id"`
	Status   string `json:"status"`
}

type ListReportsRequest struct {
	ReportType      string `form:"report_type"`
	Status          string `form:"status"`
	IncludeArchived bool   `form:"include_archived"`
	PageSize        int    `form:"page_size"`
	Cursor          string `form:"cursor"`
}

type ListReportsResponse struct {
	Reports    []ReportDTO `json:"reports"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

type ReportDTO struct {
	ReportID        string          `json:"report_id"`
	OwnerID         string          `json:"owner_id"`
	ReportType      string          `json:"report_type"`
	Status          string          `json:"status"`
	ProgressPercent int             `json:"progress_percent"`
	ProgressMessage string          `json:"progress_message"`
	Content         json.RawMessage `json:"content,omitempty"`
	ThreatCount     int             `json:"threat_count"`
	FlowCount       int             `json:"flow_count"`
	DurationHours   int             `json:"duration_hours"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}
