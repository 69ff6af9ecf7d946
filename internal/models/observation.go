package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// OBSERVATIONS
// ============================================================================

// ObservationRecord is one paddock's statistics for one farm run. Statistic
// fields are nil when no valid pixel contributed.
type ObservationRecord struct {
	ID                uuid.UUID `json:"id" db:"id"`
	RunID             uuid.UUID `json:"run_id" db:"run_id"`
	FarmExternalID    string    `json:"farm_external_id" db:"farm_external_id"`
	PaddockExternalID string    `json:"paddock_external_id" db:"paddock_external_id"`
	ObservationDate   time.Time `json:"observation_date" db:"observation_date"`
	NDVIMean          *float64  `json:"ndvi_mean" db:"ndvi_mean"`
	NDVIMin           *float64  `json:"ndvi_min" db:"ndvi_min"`
	NDVIMax           *float64  `json:"ndvi_max" db:"ndvi_max"`
	NDVIStd           *float64  `json:"ndvi_std" db:"ndvi_std"`
	EVIMean           *float64  `json:"evi_mean" db:"evi_mean"`
	NDWIMean          *float64  `json:"ndwi_mean" db:"ndwi_mean"`
	CloudFreePct      float64   `json:"cloud_free_pct" db:"cloud_free_pct"`
	PixelCount        int       `json:"pixel_count" db:"pixel_count"`
	IsValid           bool      `json:"is_valid" db:"is_valid"`
	DegradedQuality   bool      `json:"degraded_quality" db:"degraded_quality"`
	SourceProvider    string    `json:"source_provider" db:"source_provider"`
	ResolutionMeters  float64   `json:"resolution_meters" db:"resolution_meters"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// NaturalKey identifies the record for upserts.
func (o *ObservationRecord) NaturalKey() string {
	return o.FarmExternalID + "/" + o.PaddockExternalID + "/" + o.ObservationDate.Format("2006-01-02")
}
