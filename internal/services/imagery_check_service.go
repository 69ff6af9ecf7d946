package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ingestion-service/internal/models"
)

// ImageryCheckStore tracks when each farm was last checked for new imagery.
type ImageryCheckStore interface {
	GetFarmConfig(ctx context.Context, farmExternalID string) (*models.FarmConfig, error)
	ListFarmsNeedingImageryCheck(ctx context.Context, checkedBefore time.Time) ([]models.FarmImageryStatus, error)
	UpdateImageryCheck(ctx context.Context, farmExternalID string, checkedAt time.Time, latestImageryDate *time.Time) error
}

// JobCreator queues a pipeline run for a farm. created is false when an
// active job for the farm already existed and was returned instead.
type JobCreator interface {
	CreateJob(ctx context.Context, farmExternalID string, trigger models.JobTrigger) (job *models.IngestionJob, created bool, err error)
}

// ImageryCheckService asks the catalog (no downloads) whether a farm has a
// scene newer than the last one seen, and queues a run when it does.
type ImageryCheckService struct {
	farms     ImageryCheckStore
	providers ProviderSource
	jobs      JobCreator
	interval  time.Duration
	lookback  time.Duration
	maxCloud  float64
	now       func() time.Time
}

func NewImageryCheckService(farms ImageryCheckStore, source ProviderSource, jobs JobCreator, interval time.Duration, lookbackDays int, maxCloudCover float64) *ImageryCheckService {
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	return &ImageryCheckService{
		farms:     farms,
		providers: source,
		jobs:      jobs,
		interval:  interval,
		lookback:  time.Duration(lookbackDays) * 24 * time.Hour,
		maxCloud:  maxCloudCover,
		now:       time.Now,
	}
}

// CheckAll checks every farm whose last check is older than the interval
// and returns how many jobs were queued. A failing farm is logged and
// skipped.
func (s *ImageryCheckService) CheckAll(ctx context.Context) (int, error) {
	now := s.now().UTC()
	farms, err := s.farms.ListFarmsNeedingImageryCheck(ctx, now.Add(-s.interval))
	if err != nil {
		return 0, err
	}
	slog.Info("Checking imagery availability", "farms", len(farms))

	queued := 0
	for _, status := range farms {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		hasNew, err := s.checkFarm(ctx, status, now)
		if err != nil {
			slog.Error("Imagery check failed", "farm_id", status.FarmExternalID, "error", err)
			continue
		}
		if hasNew {
			queued++
		}
	}
	return queued, nil
}

func (s *ImageryCheckService) checkFarm(ctx context.Context, status models.FarmImageryStatus, now time.Time) (bool, error) {
	farm, err := s.farms.GetFarmConfig(ctx, status.FarmExternalID)
	if err != nil {
		return false, err
	}
	bbox := farm.BBox()
	if err := bbox.Validate(); err != nil {
		return false, fmt.Errorf("farm has no usable paddock geometry: %w", err)
	}
	active := s.providers.ForFarm(farm)
	if len(active) == 0 {
		return false, fmt.Errorf("no provider available")
	}

	maxCloud := farm.CloudCoverTolerance
	if maxCloud == 0 {
		maxCloud = s.maxCloud
	}
	// The free provider is always first and is enough to detect a new pass.
	items, err := active[0].Query(ctx, bbox, now.Add(-s.lookback), now, maxCloud)
	if err != nil {
		return false, fmt.Errorf("catalog query failed: %w", err)
	}

	var latest *time.Time
	for _, item := range items {
		d := truncateDay(item.Datetime)
		if latest == nil || d.After(*latest) {
			latest = &d
		}
	}
	hasNew := latest != nil && (status.LatestImageryDate == nil || latest.After(*status.LatestImageryDate))

	var recorded *time.Time
	if hasNew {
		recorded = latest
	}
	if err := s.farms.UpdateImageryCheck(ctx, status.FarmExternalID, now, recorded); err != nil {
		return false, err
	}
	if !hasNew {
		slog.Info("No new imagery", "farm_id", status.FarmExternalID)
		return false, nil
	}

	job, created, err := s.jobs.CreateJob(ctx, status.FarmExternalID, models.JobTriggerScheduled)
	if err != nil {
		return false, fmt.Errorf("failed to queue job: %w", err)
	}
	slog.Info("New imagery found",
		"farm_id", status.FarmExternalID,
		"latest_date", latest.Format("2006-01-02"),
		"job_id", job.ID,
		"created", created)
	return created, nil
}
