// Package zonal reduces a unified band stack to per-paddock index statistics.
package zonal

import (
	"errors"
	"fmt"
	"log/slog"

	"ingestion-service/internal/indices"
	"ingestion-service/internal/models"
	"ingestion-service/internal/raster"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Policy constants. Overridable through Options.
const (
	// DefaultMinPixels is roughly one hectare at 10 m.
	DefaultMinPixels = 100
	// DefaultAllTouched includes boundary pixels so small paddocks still
	// collect data.
	DefaultAllTouched = true
)

type Options struct {
	MinPixels  int
	AllTouched bool
	EVI        indices.EVICoefficients
}

func DefaultOptions() Options {
	return Options{
		MinPixels:  DefaultMinPixels,
		AllTouched: DefaultAllTouched,
		EVI:        indices.DefaultEVICoefficients,
	}
}

// Projector maps WGS84 longitude/latitude into the grid CRS.
type Projector interface {
	Forward(lon, lat float64) (x, y float64)
}

// Result holds one paddock's statistics. Statistic fields are nil when no
// valid pixel contributed.
type Result struct {
	PaddockID    string   `json:"paddock_id"`
	NDVIMean     *float64 `json:"ndvi_mean"`
	NDVIMin      *float64 `json:"ndvi_min"`
	NDVIMax      *float64 `json:"ndvi_max"`
	NDVIStd      *float64 `json:"ndvi_std"`
	EVIMean      *float64 `json:"evi_mean"`
	NDWIMean     *float64 `json:"ndwi_mean"`
	PixelCount   int      `json:"pixel_count"`
	CloudFreePct float64  `json:"cloud_free_pct"`
	IsValid      bool     `json:"is_valid"`
	Error        string   `json:"error,omitempty"`
}

// InvalidResult is the record used when a paddock could not be processed.
func InvalidResult(paddockID string) Result {
	return Result{PaddockID: paddockID}
}

var ErrNoPixels = errors.New("polygon does not cover any pixel of the raster")

// layers are index rasters computed once per stack.
type layers struct {
	ndvi []float64
	evi  []float64
	ndwi []float64
}

func computeLayers(stack *raster.BandStack, opts Options) layers {
	var l layers
	var err error
	if l.ndvi, err = indices.ComputeNDVI(stack); err != nil {
		slog.Warn("NDVI unavailable for stack", "error", err)
	}
	if l.evi, err = indices.ComputeEVI(stack, opts.EVI); err != nil {
		slog.Warn("EVI unavailable for stack", "error", err)
	}
	if l.ndwi, err = indices.ComputeNDWI(stack); err != nil {
		slog.Warn("NDWI unavailable for stack", "error", err)
	}
	return l
}

// Compute returns one result per paddock in input order. A paddock that
// fails is logged and replaced with InvalidResult; the rest continue.
func Compute(stack *raster.BandStack, mask *raster.Mask, proj Projector, paddocks []models.Paddock, opts Options) []Result {
	if opts.MinPixels <= 0 {
		opts.MinPixels = DefaultMinPixels
	}
	if opts.EVI == (indices.EVICoefficients{}) {
		opts.EVI = indices.DefaultEVICoefficients
	}

	l := computeLayers(stack, opts)
	results := make([]Result, len(paddocks))
	for i := range paddocks {
		res, err := computePaddock(stack.Grid, l, mask, proj, &paddocks[i], opts)
		if err != nil {
			slog.Warn("Zonal statistics failed for paddock",
				"paddock_id", paddocks[i].ExternalID,
				"error", err)
			res = InvalidResult(paddocks[i].ExternalID)
			res.Error = err.Error()
		}
		results[i] = res
	}
	return results
}

func computePaddock(grid raster.Grid, l layers, mask *raster.Mask, proj Projector, p *models.Paddock, opts Options) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while computing paddock %s: %v", p.ExternalID, r)
		}
	}()

	if err := p.Geometry.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid geometry: %w", err)
	}

	polygon := projectPolygon(p.Geometry, proj)
	pixels := Rasterize(grid, polygon, opts.AllTouched)
	if len(pixels) == 0 {
		return Result{}, ErrNoPixels
	}

	ndvi, evi, ndwi := collect(l, pixels)
	if len(ndvi) == 0 {
		res = InvalidResult(p.ExternalID)
		res.CloudFreePct = cloudFreeFraction(mask, pixels)
		return res, nil
	}

	res = Result{PaddockID: p.ExternalID}
	res.CloudFreePct = cloudFreeFraction(mask, pixels)
	res.PixelCount = len(ndvi)
	mean, std := stat.PopMeanStdDev(ndvi, nil)
	if len(ndvi) < 2 {
		std = 0
	}
	res.NDVIMean = ptr(mean)
	res.NDVIStd = ptr(std)
	res.NDVIMin = ptr(floats.Min(ndvi))
	res.NDVIMax = ptr(floats.Max(ndvi))
	if len(evi) > 0 {
		res.EVIMean = ptr(stat.Mean(evi, nil))
	}
	if len(ndwi) > 0 {
		res.NDWIMean = ptr(stat.Mean(ndwi, nil))
	}
	res.IsValid = IsValid(res.PixelCount, opts.MinPixels)
	return res, nil
}

// IsValid applies the minimum pixel floor.
func IsValid(pixelCount, minPixels int) bool {
	return pixelCount > 0 && pixelCount >= minPixels
}

func projectPolygon(g models.GeoJSONPolygon, proj Projector) orb.Polygon {
	polygon := make(orb.Polygon, 0, len(g.Coordinates))
	for _, ring := range g.Coordinates {
		projected := make(orb.Ring, 0, len(ring))
		for _, pos := range ring {
			x, y := proj.Forward(pos[0], pos[1])
			projected = append(projected, orb.Point{x, y})
		}
		polygon = append(polygon, projected)
	}
	return polygon
}

// collect gathers index values at the given pixels. EVI and NDWI are only
// taken where NDVI is valid, so every statistic describes the same pixels.
func collect(l layers, pixels []int) (ndvi, evi, ndwi []float64) {
	if l.ndvi == nil {
		return nil, nil, nil
	}
	ndvi = make([]float64, 0, len(pixels))
	for _, px := range pixels {
		if raster.IsNoData(l.ndvi[px]) {
			continue
		}
		ndvi = append(ndvi, l.ndvi[px])
		if l.evi != nil && !raster.IsNoData(l.evi[px]) {
			evi = append(evi, l.evi[px])
		}
		if l.ndwi != nil && !raster.IsNoData(l.ndwi[px]) {
			ndwi = append(ndwi, l.ndwi[px])
		}
	}
	return ndvi, evi, ndwi
}

func cloudFreeFraction(mask *raster.Mask, pixels []int) float64 {
	if mask == nil {
		return 1.0
	}
	clearCount := 0
	for _, px := range pixels {
		if !mask.Cloudy[px] {
			clearCount++
		}
	}
	return float64(clearCount) / float64(len(pixels))
}

func ptr(v float64) *float64 {
	return &v
}
