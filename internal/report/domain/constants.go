package domain

// Report status constants
const (
	StatusDraft      = "DRAFT"
	StatusGenerating = "GENERATING"
	StatusPublished  = "PUBLISHED"
	StatusArchived   = "ARCHIVED"
	StatusFailed     = "FAILED"
)

// Stream event type discriminators, one per line-delimited JSON event
const (
	EventTypeStatus   = "status"
	EventTypeUpdate   = "update"
	EventTypeComplete = "complete"
	EventTypeError    = "error"
)
