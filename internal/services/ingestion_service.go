package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"ingestion-service/internal/composite"
	"ingestion-service/internal/config"
	"ingestion-service/internal/geo"
	"ingestion-service/internal/indices"
	"ingestion-service/internal/models"
	"ingestion-service/internal/providers"
	"ingestion-service/internal/raster"
	"ingestion-service/internal/zonal"

	"github.com/google/uuid"
)

// ============================================================================
// TYPES
// ============================================================================

// ProviderSource supplies the provider set for a farm.
type ProviderSource interface {
	ForFarm(farm *models.FarmConfig) []providers.Provider
}

type ProviderStatus string

const (
	ProviderStatusOK       ProviderStatus = "ok"
	ProviderStatusPartial  ProviderStatus = "partial"
	ProviderStatusNoScenes ProviderStatus = "no_scenes"
	ProviderStatusFailed   ProviderStatus = "failed"
)

// ProviderOutcome summarises what one provider contributed to a run.
type ProviderOutcome struct {
	Provider      string         `json:"provider"`
	Status        ProviderStatus `json:"status"`
	Resolution    float64        `json:"resolution_meters"`
	ScenesFound   int            `json:"scenes_found"`
	ScenesUsed    int            `json:"scenes_used"`
	ScenesSkipped int            `json:"scenes_skipped"`
	Degraded      bool           `json:"degraded"`
	Error         string         `json:"error,omitempty"`
}

type RunResult struct {
	RunID            uuid.UUID                  `json:"run_id"`
	FarmExternalID   string                     `json:"farm_external_id"`
	WindowStart      time.Time                  `json:"window_start"`
	WindowEnd        time.Time                  `json:"window_end"`
	ObservationDate  time.Time                  `json:"observation_date"`
	SourceProvider   string                     `json:"source_provider"`
	ResolutionMeters float64                    `json:"resolution_meters"`
	Degraded         bool                       `json:"degraded"`
	Providers        []ProviderOutcome          `json:"providers"`
	Records          []models.ObservationRecord `json:"records"`
	ValidCount       int                        `json:"valid_count"`
	StartedAt        time.Time                  `json:"started_at"`
	FinishedAt       time.Time                  `json:"finished_at"`
}

// NoValidDataError means every provider failed or returned nothing usable.
type NoValidDataError struct {
	FarmExternalID string
	Providers      []ProviderOutcome
}

func (e *NoValidDataError) Error() string {
	parts := make([]string, 0, len(e.Providers))
	for _, p := range e.Providers {
		parts = append(parts, fmt.Sprintf("%s=%s", p.Provider, p.Status))
	}
	return fmt.Sprintf("no valid imagery for farm %s (%s)", e.FarmExternalID, strings.Join(parts, ", "))
}

var ErrNoPaddocks = errors.New("farm has no paddocks")

// PipelineOptions are the run policy knobs. Farm settings take precedence for
// the cloud cover ceiling and window length.
type PipelineOptions struct {
	MaxCloudCover        float64
	CompositeWindowDays  int
	MinCloudFreeFraction float64
	MinValidObservations int
	MergeMethod          composite.MergeMethod
	Zonal                zonal.Options
}

func PipelineOptionsFromConfig(cfg config.PipelineConfig) (PipelineOptions, error) {
	method, err := composite.ParseMergeMethod(cfg.MergeMethod)
	if err != nil {
		return PipelineOptions{}, err
	}
	zopts := zonal.DefaultOptions()
	if cfg.MinPixels > 0 {
		zopts.MinPixels = cfg.MinPixels
	}
	zopts.AllTouched = cfg.AllTouched

	return PipelineOptions{
		MaxCloudCover:        cfg.MaxCloudCover,
		CompositeWindowDays:  cfg.CompositeWindowDays,
		MinCloudFreeFraction: cfg.MinCloudFreePct,
		MinValidObservations: cfg.MinValidObservations,
		MergeMethod:          method,
		Zonal:                zopts,
	}, nil
}

// pipelineBands is requested from every provider; each provider only gets
// the subset it supports.
var pipelineBands = []raster.Band{
	raster.BandNIR,
	raster.BandRed,
	raster.BandGreen,
	raster.BandBlue,
	raster.BandSWIR,
	raster.BandSCL,
}

// ============================================================================
// SERVICE
// ============================================================================

type IngestionService struct {
	providers ProviderSource
	opts      PipelineOptions
	now       func() time.Time
}

func NewIngestionService(source ProviderSource, opts PipelineOptions) *IngestionService {
	return &IngestionService{
		providers: source,
		opts:      opts,
		now:       time.Now,
	}
}

// Run executes one farm run for the composite window ending at end. It
// returns one record per paddock, in paddock order. Provider and scene
// failures degrade the run; only the absence of any usable data fails it.
func (s *IngestionService) Run(ctx context.Context, in *models.FarmConfig, end time.Time) (*RunResult, error) {
	// Defaults go on a copy; the caller's config is left as loaded.
	farm := *in
	farm.Paddocks = slices.Clone(in.Paddocks)
	if farm.CloudCoverTolerance == 0 && s.opts.MaxCloudCover > 0 {
		farm.CloudCoverTolerance = s.opts.MaxCloudCover
	}
	if farm.CompositeWindowDays == 0 && s.opts.CompositeWindowDays > 0 {
		farm.CompositeWindowDays = s.opts.CompositeWindowDays
	}
	farm.ApplyDefaults()

	if len(farm.Paddocks) == 0 {
		return nil, ErrNoPaddocks
	}
	// Invalid paddocks stay in the run and come out as invalid records, but
	// they do not shape the search area or the grid.
	bbox := farm.BBox()
	if err := bbox.Validate(); err != nil {
		return nil, fmt.Errorf("farm %s has no usable paddock geometry: %w", farm.FarmExternalID, err)
	}
	if invalid := len(farm.Paddocks) - farm.ValidPaddockCount(); invalid > 0 {
		slog.Warn("Paddocks with invalid geometry will be reported invalid",
			"farm_id", farm.FarmExternalID,
			"invalid", invalid,
			"paddocks", len(farm.Paddocks))
	}
	utm := geo.UTMForBBox(bbox)
	start, end := farm.Window(end)

	result := &RunResult{
		RunID:          uuid.New(),
		FarmExternalID: farm.FarmExternalID,
		WindowStart:    start,
		WindowEnd:      end,
		StartedAt:      s.now(),
	}

	active := s.providers.ForFarm(&farm)
	slog.Info("Starting ingestion run",
		"run_id", result.RunID,
		"farm_id", farm.FarmExternalID,
		"tier", farm.Tier,
		"paddocks", len(farm.Paddocks),
		"providers", len(active),
		"target_resolution", providers.DefaultResolution(active),
		"window_start", start.Format("2006-01-02"),
		"window_end", end.Format("2006-01-02"))

	// Providers run one after another; a failure in one never blocks the next.
	var outputs []composite.ProviderOutput
	for _, p := range active {
		out, outcome, err := s.runProvider(ctx, p, &farm, bbox, utm, start, end)
		if err != nil {
			return nil, err
		}
		result.Providers = append(result.Providers, outcome)
		if out != nil {
			outputs = append(outputs, *out)
		}
	}

	merged, err := composite.Merge(outputs, s.opts.MergeMethod)
	if errors.Is(err, composite.ErrNoContributors) {
		noData := &NoValidDataError{FarmExternalID: farm.FarmExternalID, Providers: result.Providers}
		slog.Error("Ingestion run produced no usable imagery",
			"run_id", result.RunID,
			"farm_id", farm.FarmExternalID,
			"error", noData)
		return nil, noData
	}
	if err != nil {
		return nil, fmt.Errorf("failed to merge provider outputs: %w", err)
	}

	stats := zonal.Compute(merged.Stack, merged.Mask, utm, farm.Paddocks, s.opts.Zonal)

	result.ObservationDate = truncateDay(merged.LatestDate())
	result.SourceProvider = merged.SourceName()
	result.ResolutionMeters = merged.Resolution
	result.Degraded = merged.Degraded
	result.FinishedAt = s.now()
	result.Records = make([]models.ObservationRecord, len(stats))
	for i, st := range stats {
		result.Records[i] = models.ObservationRecord{
			ID:                uuid.New(),
			RunID:             result.RunID,
			FarmExternalID:    farm.FarmExternalID,
			PaddockExternalID: st.PaddockID,
			ObservationDate:   result.ObservationDate,
			NDVIMean:          st.NDVIMean,
			NDVIMin:           st.NDVIMin,
			NDVIMax:           st.NDVIMax,
			NDVIStd:           st.NDVIStd,
			EVIMean:           st.EVIMean,
			NDWIMean:          st.NDWIMean,
			CloudFreePct:      st.CloudFreePct,
			PixelCount:        st.PixelCount,
			IsValid:           st.IsValid,
			DegradedQuality:   merged.Degraded,
			SourceProvider:    result.SourceProvider,
			ResolutionMeters:  merged.Resolution,
			CreatedAt:         result.FinishedAt,
		}
		if st.IsValid {
			result.ValidCount++
		}
	}

	slog.Info("Ingestion run completed",
		"run_id", result.RunID,
		"farm_id", farm.FarmExternalID,
		"source", result.SourceProvider,
		"observation_date", result.ObservationDate.Format("2006-01-02"),
		"valid_paddocks", result.ValidCount,
		"paddocks", len(result.Records),
		"degraded", result.Degraded)
	return result, nil
}

// runProvider queries, loads, masks and composites one provider. The
// returned error is non-nil only when the run itself must stop.
func (s *IngestionService) runProvider(
	ctx context.Context,
	p providers.Provider,
	farm *models.FarmConfig,
	bbox geo.BBox,
	utm geo.UTM,
	start, end time.Time,
) (*composite.ProviderOutput, ProviderOutcome, error) {
	outcome := ProviderOutcome{Provider: p.Name(), Resolution: p.ResolutionMeters()}
	if err := ctx.Err(); err != nil {
		return nil, outcome, err
	}

	grid, err := raster.NewUTMGrid(utm, bbox, p.ResolutionMeters())
	if err != nil {
		return nil, providerFailed(outcome, err), nil
	}

	items, err := p.Query(ctx, bbox, start, end, farm.CloudCoverTolerance)
	if err != nil {
		if ctx.Err() != nil {
			return nil, outcome, ctx.Err()
		}
		slog.Warn("Catalog query failed, skipping provider",
			"provider", p.Name(),
			"farm_id", farm.FarmExternalID,
			"error", err)
		return nil, providerFailed(outcome, err), nil
	}
	outcome.ScenesFound = len(items)
	if len(items) == 0 {
		slog.Info("No scenes found", "provider", p.Name(), "farm_id", farm.FarmExternalID)
		outcome.Status = ProviderStatusNoScenes
		return nil, outcome, nil
	}

	bands := supportedBands(p.BandNames())
	var observations []composite.Observation
	var stopErr error

scenes:
	for _, item := range items {
		obs, degraded, err := s.loadScene(ctx, p, item, bands, grid)
		if err != nil {
			if ctx.Err() != nil {
				return nil, outcome, ctx.Err()
			}
			var timeoutErr *providers.ActivationTimeoutError
			var assetErr *providers.AssetUnavailableError
			var bandErr *indices.MissingBandError
			switch {
			case errors.As(err, &timeoutErr), errors.As(err, &assetErr), errors.As(err, &bandErr):
				slog.Warn("Skipping scene",
					"provider", p.Name(),
					"item_id", item.ID,
					"error", err)
				outcome.ScenesSkipped++
				continue
			default:
				// Quota, credentials or transport: no further calls to this
				// provider, but scenes already loaded still count.
				slog.Warn("Provider stopped mid-run, keeping loaded scenes",
					"provider", p.Name(),
					"item_id", item.ID,
					"loaded", len(observations),
					"error", err)
				stopErr = err
				break scenes
			}
		}
		if obs == nil {
			outcome.ScenesSkipped++
			continue
		}
		observations = append(observations, *obs)
		outcome.Degraded = outcome.Degraded || degraded
	}

	if len(observations) == 0 {
		if stopErr == nil {
			stopErr = fmt.Errorf("none of %d scenes were usable", len(items))
		}
		return nil, providerFailed(outcome, stopErr), nil
	}

	comp, err := composite.MedianComposite(observations, s.opts.MinValidObservations)
	if err != nil {
		slog.Warn("Time-series composite failed, skipping provider",
			"provider", p.Name(),
			"error", err)
		return nil, providerFailed(outcome, err), nil
	}

	outcome.ScenesUsed = len(observations)
	outcome.Status = ProviderStatusOK
	if stopErr != nil || outcome.ScenesSkipped > 0 {
		outcome.Status = ProviderStatusPartial
	}
	if stopErr != nil {
		outcome.Error = stopErr.Error()
	}
	slog.Info("Provider composite ready",
		"provider", p.Name(),
		"scenes", comp.SourceCount,
		"valid_pixels", comp.ValidPixelCount,
		"total_pixels", comp.TotalPixelCount)

	return &composite.ProviderOutput{
		Provider:   p.Name(),
		Resolution: p.ResolutionMeters(),
		Stack:      comp.Stack,
		Mask:       comp.Mask,
		Dates:      comp.SourceDates,
		Degraded:   outcome.Degraded,
	}, outcome, nil
}

// loadScene loads and masks a single scene. A nil observation with a nil
// error means the scene was too cloudy to use.
func (s *IngestionService) loadScene(
	ctx context.Context,
	p providers.Provider,
	item providers.CatalogItem,
	bands []raster.Band,
	grid raster.Grid,
) (*composite.Observation, bool, error) {
	scene := []providers.CatalogItem{item}
	stack, err := p.Load(ctx, scene, bands, grid)
	if err != nil {
		return nil, false, err
	}
	for _, b := range indices.RequiredBands[indices.NDVI] {
		if !stack.Has(b) {
			return nil, false, &indices.MissingBandError{Band: b, Present: stack.Bands()}
		}
	}

	masked, err := p.CloudMask(ctx, stack, scene)
	if err != nil {
		return nil, false, err
	}
	if masked.Degraded {
		slog.Warn("Cloud mask derived in degraded mode",
			"provider", p.Name(),
			"item_id", item.ID,
			"reason", masked.DegradedReason)
	}
	if masked.CloudFreeFraction < s.opts.MinCloudFreeFraction {
		slog.Info("Scene below cloud-free threshold",
			"provider", p.Name(),
			"item_id", item.ID,
			"cloud_free", masked.CloudFreeFraction,
			"threshold", s.opts.MinCloudFreeFraction)
		return nil, false, nil
	}

	return &composite.Observation{
		Stack: masked.Data,
		Mask:  masked.Mask,
		Date:  item.Datetime,
	}, masked.Degraded, nil
}

func supportedBands(names providers.BandNames) []raster.Band {
	bands := make([]raster.Band, 0, len(pipelineBands))
	for _, b := range pipelineBands {
		if names.Supports(b) {
			bands = append(bands, b)
		}
	}
	return bands
}

func providerFailed(outcome ProviderOutcome, err error) ProviderOutcome {
	outcome.Status = ProviderStatusFailed
	outcome.Error = err.Error()
	return outcome
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
