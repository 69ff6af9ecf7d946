package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ingestion-service/internal/models"

	"github.com/jmoiron/sqlx"
)

var ErrFarmNotFound = errors.New("farm not found")

type FarmRepository struct {
	db *sqlx.DB
}

func NewFarmRepository(db *sqlx.DB) *FarmRepository {
	return &FarmRepository{db: db}
}

// GetFarmConfig loads a farm with its settings and paddocks. Missing
// settings come back as zero values and are defaulted by the pipeline.
func (r *FarmRepository) GetFarmConfig(ctx context.Context, farmExternalID string) (*models.FarmConfig, error) {
	farmQuery := `
		SELECT f.farm_external_id, f.name, f.subscription_tier, f.planet_api_key,
			COALESCE(s.ndvi_threshold, 0) AS ndvi_threshold,
			COALESCE(s.min_rest_period_days, 0) AS min_rest_period_days,
			COALESCE(s.cloud_cover_tolerance, 0) AS cloud_cover_tolerance,
			COALESCE(s.composite_window_days, 0) AS composite_window_days
		FROM farms f
		LEFT JOIN farm_settings s ON s.farm_external_id = f.farm_external_id
		WHERE f.farm_external_id = $1`

	var farm models.FarmConfig
	if err := r.db.GetContext(ctx, &farm, farmQuery, farmExternalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrFarmNotFound, farmExternalID)
		}
		slog.Error("Failed to get farm", "farm_id", farmExternalID, "error", err)
		return nil, fmt.Errorf("failed to get farm: %w", err)
	}

	paddockQuery := `
		SELECT external_id, name, ST_AsEWKB(geometry) AS geometry, area_hectares
		FROM paddocks
		WHERE farm_external_id = $1
		ORDER BY external_id`

	if err := r.db.SelectContext(ctx, &farm.Paddocks, paddockQuery, farmExternalID); err != nil {
		slog.Error("Failed to get paddocks", "farm_id", farmExternalID, "error", err)
		return nil, fmt.Errorf("failed to get paddocks: %w", err)
	}

	return &farm, nil
}

// ============================================================================
// IMAGERY AVAILABILITY TRACKING
// ============================================================================

// ListFarmsNeedingImageryCheck returns farms never checked or last checked
// before checkedBefore.
func (r *FarmRepository) ListFarmsNeedingImageryCheck(ctx context.Context, checkedBefore time.Time) ([]models.FarmImageryStatus, error) {
	query := `
		SELECT farm_external_id, last_imagery_check, latest_imagery_date
		FROM farms
		WHERE last_imagery_check IS NULL OR last_imagery_check < $1
		ORDER BY last_imagery_check NULLS FIRST`

	var farms []models.FarmImageryStatus
	if err := r.db.SelectContext(ctx, &farms, query, checkedBefore); err != nil {
		return nil, fmt.Errorf("failed to list farms needing imagery check: %w", err)
	}
	return farms, nil
}

// UpdateImageryCheck records a check. latestImageryDate only overwrites the
// stored date when non-nil.
func (r *FarmRepository) UpdateImageryCheck(ctx context.Context, farmExternalID string, checkedAt time.Time, latestImageryDate *time.Time) error {
	query := `
		UPDATE farms
		SET last_imagery_check = $2,
			latest_imagery_date = COALESCE($3, latest_imagery_date),
			updated_at = NOW()
		WHERE farm_external_id = $1`

	result, err := r.db.ExecContext(ctx, query, farmExternalID, checkedAt, latestImageryDate)
	if err != nil {
		return fmt.Errorf("failed to update imagery check: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("%w: %s", ErrFarmNotFound, farmExternalID)
	}
	return nil
}
