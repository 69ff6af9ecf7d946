package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ingestion-service/internal/models"
	"ingestion-service/internal/services"

	"github.com/google/uuid"
)

type FarmLoader interface {
	GetFarmConfig(ctx context.Context, farmExternalID string) (*models.FarmConfig, error)
}

type PipelineRunner interface {
	Run(ctx context.Context, farm *models.FarmConfig, end time.Time) (*services.RunResult, error)
}

type ObservationWriter interface {
	UpsertBatch(ctx context.Context, records []models.ObservationRecord) (int, error)
}

type ReportArchiver interface {
	Save(ctx context.Context, result *services.RunResult) (string, error)
}

type JobCompleter interface {
	Complete(ctx context.Context, jobID uuid.UUID, completion models.JobCompletion) error
}

// IngestionJobRunner turns a claimed job into one pipeline run: load the
// farm, run, persist the records, archive the report, complete the job.
type IngestionJobRunner struct {
	farms    FarmLoader
	pipeline PipelineRunner
	writer   ObservationWriter
	archive  ReportArchiver
	jobs     JobCompleter
	timeout  time.Duration
	now      func() time.Time
}

// NewIngestionJobRunner builds a runner. archive may be nil.
func NewIngestionJobRunner(
	farms FarmLoader,
	pipeline PipelineRunner,
	writer ObservationWriter,
	archive ReportArchiver,
	jobs JobCompleter,
	timeout time.Duration,
) *IngestionJobRunner {
	return &IngestionJobRunner{
		farms:    farms,
		pipeline: pipeline,
		writer:   writer,
		archive:  archive,
		jobs:     jobs,
		timeout:  timeout,
		now:      time.Now,
	}
}

// JobFor wraps a claimed job for the working pool.
func (r *IngestionJobRunner) JobFor(job *models.IngestionJob) Job {
	return func(ctx context.Context) error {
		return r.Execute(ctx, job)
	}
}

// Execute runs the job and always reports a completion, even when the run
// was cancelled.
func (r *IngestionJobRunner) Execute(ctx context.Context, job *models.IngestionJob) error {
	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	slog.Info("Processing ingestion job", "job_id", job.ID, "farm_id", job.FarmExternalID, "trigger", job.TriggeredBy)
	completion := r.process(runCtx, job)

	if err := r.jobs.Complete(context.WithoutCancel(ctx), job.ID, completion); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	if !completion.Success {
		return fmt.Errorf("job %s failed: %s", job.ID, completion.ErrorMessage)
	}
	slog.Info("Ingestion job completed", "job_id", job.ID, "farm_id", job.FarmExternalID)
	return nil
}

func (r *IngestionJobRunner) process(ctx context.Context, job *models.IngestionJob) models.JobCompletion {
	farm, err := r.farms.GetFarmConfig(ctx, job.FarmExternalID)
	if err != nil {
		return failed(err)
	}

	result, err := r.pipeline.Run(ctx, farm, r.now())
	if err != nil {
		var noData *services.NoValidDataError
		if errors.As(err, &noData) {
			slog.Warn("No valid imagery for farm", "farm_id", job.FarmExternalID, "providers", len(noData.Providers))
		}
		return failed(err)
	}

	written, err := r.writer.UpsertBatch(ctx, result.Records)
	if err != nil {
		slog.Error("Failed to persist observations",
			"farm_id", job.FarmExternalID,
			"written", written,
			"total", len(result.Records),
			"error", err)
		completion := failed(err)
		completion.RunID = &result.RunID
		return completion
	}

	if r.archive != nil {
		// The report is informational; a failed upload does not fail the job.
		if key, err := r.archive.Save(ctx, result); err != nil {
			slog.Warn("Failed to archive run report", "run_id", result.RunID, "error", err)
		} else {
			slog.Info("Run report archived", "run_id", result.RunID, "key", key)
		}
	}

	completion := models.JobCompletion{
		Success: result.ValidCount > 0,
		RunID:   &result.RunID,
	}
	if completion.Success {
		date := result.ObservationDate
		completion.CaptureDate = &date
	} else {
		completion.ErrorMessage = "no valid paddock observations"
	}
	return completion
}

func failed(err error) models.JobCompletion {
	return models.JobCompletion{Success: false, ErrorMessage: err.Error()}
}
