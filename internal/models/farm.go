package models

import (
	"slices"
	"time"

	"ingestion-service/internal/geo"
)

// ============================================================================
// FARM CONFIGURATION
// ============================================================================

type SubscriptionTier string

const (
	TierFree         SubscriptionTier = "free"
	TierBasic        SubscriptionTier = "basic"
	TierProfessional SubscriptionTier = "professional"
	TierEnterprise   SubscriptionTier = "enterprise"
)

func (t SubscriptionTier) IsPremium(premiumTiers []string) bool {
	return slices.Contains(premiumTiers, string(t))
}

// Defaults applied when a farm has no settings row.
const (
	DefaultNDVIThreshold       = 0.4
	DefaultMinRestPeriodDays   = 21
	DefaultCloudCoverTolerance = 50.0
	DefaultCompositeWindowDays = 21
)

type Paddock struct {
	ExternalID   string         `json:"external_id" db:"external_id"`
	Name         string         `json:"name" db:"name"`
	Geometry     GeoJSONPolygon `json:"geometry" db:"geometry"`
	AreaHectares float64        `json:"area_hectares" db:"area_hectares"`
}

type FarmConfig struct {
	FarmExternalID      string           `json:"farm_external_id" db:"farm_external_id"`
	Name                string           `json:"name" db:"name"`
	Tier                SubscriptionTier `json:"tier" db:"subscription_tier"`
	PlanetAPIKey        *string          `json:"-" db:"planet_api_key"`
	NDVIThreshold       float64          `json:"ndvi_threshold" db:"ndvi_threshold"`
	MinRestPeriodDays   int              `json:"min_rest_period_days" db:"min_rest_period_days"`
	CloudCoverTolerance float64          `json:"cloud_cover_tolerance" db:"cloud_cover_tolerance"`
	CompositeWindowDays int              `json:"composite_window_days" db:"composite_window_days"`
	Paddocks            []Paddock        `json:"paddocks" db:"-"`
}

// ApplyDefaults fills zero-valued thresholds.
func (f *FarmConfig) ApplyDefaults() {
	if f.NDVIThreshold == 0 {
		f.NDVIThreshold = DefaultNDVIThreshold
	}
	if f.MinRestPeriodDays == 0 {
		f.MinRestPeriodDays = DefaultMinRestPeriodDays
	}
	if f.CloudCoverTolerance == 0 {
		f.CloudCoverTolerance = DefaultCloudCoverTolerance
	}
	if f.CompositeWindowDays == 0 {
		f.CompositeWindowDays = DefaultCompositeWindowDays
	}
	if f.Tier == "" {
		f.Tier = TierFree
	}
}

// BBox is the union of the bounds of paddocks whose geometry validates.
// It is empty when no paddock is valid.
func (f *FarmConfig) BBox() geo.BBox {
	bbox := geo.EmptyBBox()
	for i := range f.Paddocks {
		if f.Paddocks[i].Geometry.Validate() != nil {
			continue
		}
		bbox = bbox.Union(f.Paddocks[i].Geometry.Bounds())
	}
	return bbox
}

// ValidPaddockCount counts paddocks whose geometry validates.
func (f *FarmConfig) ValidPaddockCount() int {
	n := 0
	for i := range f.Paddocks {
		if f.Paddocks[i].Geometry.Validate() == nil {
			n++
		}
	}
	return n
}

// Window returns the composite window ending at end.
func (f *FarmConfig) Window(end time.Time) (time.Time, time.Time) {
	days := f.CompositeWindowDays
	if days <= 0 {
		days = DefaultCompositeWindowDays
	}
	return end.AddDate(0, 0, -days), end
}
