package domain

import "errors"

var (
	// ErrReportNotFound is returned when a report does not exist or the
	// caller is not allowed to see it
	ErrReportNotFound = errors.New("report not found")

	// ErrWorkerMissing is returned when the analysis worker binary cannot
	// be resolved; callers route this to the simulated fallback
	ErrWorkerMissing = errors.New("analysis worker not available")

	// ErrSubscriptionClosed is returned when an operation targets a
	// subscription that has already been torn down
	ErrSubscriptionClosed = errors.New("subscription closed")
)
