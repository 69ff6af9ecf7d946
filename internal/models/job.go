package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// INGESTION JOBS
// ============================================================================

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsActive reports whether the job still blocks a new job for the same farm.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

type JobTrigger string

const (
	JobTriggerManual    JobTrigger = "manual"
	JobTriggerScheduled JobTrigger = "scheduled"
)

// IngestionJob asks for one pipeline run over one farm.
type IngestionJob struct {
	ID             uuid.UUID  `json:"id"`
	FarmExternalID string     `json:"farm_external_id"`
	TriggeredBy    JobTrigger `json:"triggered_by"`
	Status         JobStatus  `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Success        bool       `json:"success"`
	CaptureDate    *string    `json:"capture_date,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	RunID          *uuid.UUID `json:"run_id,omitempty"`
}

// JobCompletion is what a finished job reports back to the store.
type JobCompletion struct {
	Success      bool
	CaptureDate  *time.Time
	ErrorMessage string
	RunID        *uuid.UUID
}

// FarmImageryStatus tracks the catalog availability check for a farm.
type FarmImageryStatus struct {
	FarmExternalID    string     `json:"farm_external_id" db:"farm_external_id"`
	LastImageryCheck  *time.Time `json:"last_imagery_check" db:"last_imagery_check"`
	LatestImageryDate *time.Time `json:"latest_imagery_date" db:"latest_imagery_date"`
}
