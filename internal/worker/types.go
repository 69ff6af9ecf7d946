package worker

import (
	"context"
	"errors"

	"ingestion-service/internal/models"

	"github.com/google/uuid"
)

type Job func(ctx context.Context) error

var ErrJobNotFound = errors.New("job not found")

var errCorruptJob = errors.New("unreadable job payload")

// JobStore queues ingestion jobs. ClaimPending hands each pending job to
// exactly one caller.
type JobStore interface {
	CreateJob(ctx context.Context, farmExternalID string, trigger models.JobTrigger) (*models.IngestionJob, bool, error)
	ClaimPending(ctx context.Context, limit int) ([]*models.IngestionJob, error)
	Complete(ctx context.Context, jobID uuid.UUID, completion models.JobCompletion) error
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.IngestionJob, error)
}

// ImageryChecker decides which farms need a scheduled job.
type ImageryChecker interface {
	CheckAll(ctx context.Context) (int, error)
}
