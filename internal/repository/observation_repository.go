package repository

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"ingestion-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	DefaultWriteBatchSize  = 50
	DefaultWriteMaxRetries = 3
)

type ObservationRepository struct {
	db         *sqlx.DB
	batchSize  int
	maxRetries int
	backoff    func(attempt int) time.Duration
}

func NewObservationRepository(db *sqlx.DB, batchSize, maxRetries int) *ObservationRepository {
	if batchSize <= 0 {
		batchSize = DefaultWriteBatchSize
	}
	if maxRetries <= 0 {
		maxRetries = DefaultWriteMaxRetries
	}
	return &ObservationRepository{
		db:         db,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		backoff: func(attempt int) time.Duration {
			return time.Duration(math.Pow(2, float64(attempt))) * time.Second
		},
	}
}

const upsertObservationQuery = `
	INSERT INTO paddock_observations (
		id, run_id, farm_external_id, paddock_external_id, observation_date,
		ndvi_mean, ndvi_min, ndvi_max, ndvi_std, evi_mean, ndwi_mean,
		cloud_free_pct, pixel_count, is_valid, degraded_quality,
		source_provider, resolution_meters, created_at
	) VALUES (
		:id, :run_id, :farm_external_id, :paddock_external_id, :observation_date,
		:ndvi_mean, :ndvi_min, :ndvi_max, :ndvi_std, :evi_mean, :ndwi_mean,
		:cloud_free_pct, :pixel_count, :is_valid, :degraded_quality,
		:source_provider, :resolution_meters, :created_at
	)
	ON CONFLICT (farm_external_id, paddock_external_id, observation_date) DO UPDATE SET
		run_id = EXCLUDED.run_id,
		ndvi_mean = EXCLUDED.ndvi_mean,
		ndvi_min = EXCLUDED.ndvi_min,
		ndvi_max = EXCLUDED.ndvi_max,
		ndvi_std = EXCLUDED.ndvi_std,
		evi_mean = EXCLUDED.evi_mean,
		ndwi_mean = EXCLUDED.ndwi_mean,
		cloud_free_pct = EXCLUDED.cloud_free_pct,
		pixel_count = EXCLUDED.pixel_count,
		is_valid = EXCLUDED.is_valid,
		degraded_quality = EXCLUDED.degraded_quality,
		source_provider = EXCLUDED.source_provider,
		resolution_meters = EXCLUDED.resolution_meters,
		created_at = EXCLUDED.created_at`

// ============================================================================
// WRITE OPERATIONS
// ============================================================================

// UpsertBatch writes records in transactional batches keyed by
// (farm, paddock, date). Each batch is retried with exponential backoff;
// the count of records written before a batch gave up is returned with the
// error.
func (r *ObservationRepository) UpsertBatch(ctx context.Context, records []models.ObservationRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	written := 0
	for start := 0; start < len(records); start += r.batchSize {
		end := min(start+r.batchSize, len(records))
		batch := records[start:end]

		var err error
		for attempt := 0; attempt < r.maxRetries; attempt++ {
			if attempt > 0 {
				wait := r.backoff(attempt)
				slog.Warn("Retrying observation batch",
					"attempt", attempt+1,
					"max_retries", r.maxRetries,
					"batch_start", start,
					"wait", wait,
					"error", err)
				select {
				case <-ctx.Done():
					return written, ctx.Err()
				case <-time.After(wait):
				}
			}
			if err = r.upsertChunk(ctx, batch); err == nil {
				break
			}
		}
		if err != nil {
			slog.Error("Observation batch failed after retries",
				"batch_start", start,
				"batch_size", len(batch),
				"error", err)
			return written, fmt.Errorf("failed to write observations %d-%d: %w", start, end-1, err)
		}
		written += len(batch)
	}

	slog.Info("Observations written", "count", written)
	return written, nil
}

func (r *ObservationRepository) upsertChunk(ctx context.Context, batch []models.ObservationRecord) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range batch {
		if batch[i].ID == uuid.Nil {
			batch[i].ID = uuid.New()
		}
		if batch[i].CreatedAt.IsZero() {
			batch[i].CreatedAt = time.Now()
		}
		if _, err := tx.NamedExecContext(ctx, upsertObservationQuery, batch[i]); err != nil {
			return fmt.Errorf("failed to upsert observation %s: %w", batch[i].NaturalKey(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit observation batch: %w", err)
	}
	return nil
}

// ============================================================================
// READ OPERATIONS
// ============================================================================

// GetLatestByFarm returns the records of the most recent observation date
// for a farm, ordered by paddock.
func (r *ObservationRepository) GetLatestByFarm(ctx context.Context, farmExternalID string) ([]models.ObservationRecord, error) {
	query := `
		SELECT id, run_id, farm_external_id, paddock_external_id, observation_date,
			ndvi_mean, ndvi_min, ndvi_max, ndvi_std, evi_mean, ndwi_mean,
			cloud_free_pct, pixel_count, is_valid, degraded_quality,
			source_provider, resolution_meters, created_at
		FROM paddock_observations
		WHERE farm_external_id = $1
			AND observation_date = (
				SELECT MAX(observation_date) FROM paddock_observations WHERE farm_external_id = $1
			)
		ORDER BY paddock_external_id`

	var records []models.ObservationRecord
	if err := r.db.SelectContext(ctx, &records, query, farmExternalID); err != nil {
		slog.Error("Failed to get latest observations", "farm_id", farmExternalID, "error", err)
		return nil, fmt.Errorf("failed to get latest observations: %w", err)
	}
	return records, nil
}
