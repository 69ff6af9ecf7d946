// Package composite reduces observations across time and across providers
// into a single band stack.
package composite

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"ingestion-service/internal/raster"
)

// DefaultMinValidObservations is the per-pixel observation floor.
const DefaultMinValidObservations = 1

var ErrNoObservations = errors.New("no observations to composite")

// Observation is one masked scene on a shared grid. Mask may be nil.
type Observation struct {
	Stack *raster.BandStack
	Mask  *raster.Mask
	Date  time.Time
}

// Result is a composite with provenance.
type Result struct {
	Stack           *raster.BandStack
	Mask            *raster.Mask
	ValidPixelCount int
	TotalPixelCount int
	SourceDates     []time.Time
	SourceCount     int
}

// MedianComposite takes the per-pixel median of each reflectance band across
// observations, ignoring masked and NoData samples. Pixels with fewer than
// minValid usable samples become NoData. Classification bands are dropped
// because their codes have already been folded into the masks.
func MedianComposite(observations []Observation, minValid int) (*Result, error) {
	if len(observations) == 0 {
		return nil, ErrNoObservations
	}
	if minValid < 1 {
		minValid = DefaultMinValidObservations
	}

	grid := observations[0].Stack.Grid
	var bands []raster.Band
	for i, obs := range observations {
		if !obs.Stack.Grid.Equal(grid) {
			return nil, fmt.Errorf("observation %d grid does not match the first observation", i)
		}
		if obs.Mask != nil && !obs.Mask.Grid.Equal(grid) {
			return nil, fmt.Errorf("observation %d mask grid does not match its stack", i)
		}
		for _, b := range obs.Stack.ReflectanceBands() {
			if !slices.Contains(bands, b) {
				bands = append(bands, b)
			}
		}
	}

	out := raster.NewBandStack(grid)
	samples := make([]float64, 0, len(observations))
	for _, b := range bands {
		data := make([]float64, grid.Size())
		for px := range data {
			samples = samples[:0]
			for _, obs := range observations {
				if obs.Mask != nil && obs.Mask.Cloudy[px] {
					continue
				}
				values, ok := obs.Stack.Band(b)
				if !ok || raster.IsNoData(values[px]) {
					continue
				}
				samples = append(samples, values[px])
			}
			if len(samples) < minValid {
				data[px] = raster.NoData
				continue
			}
			data[px] = median(samples)
		}
		if err := out.Set(b, data); err != nil {
			return nil, err
		}
	}

	mask := raster.NewMask(grid)
	for px := range mask.Cloudy {
		mask.Cloudy[px] = len(bands) == 0 || !out.PixelValid(px, bands)
	}

	dates := make([]time.Time, 0, len(observations))
	for _, obs := range observations {
		dates = append(dates, obs.Date)
	}
	slices.SortFunc(dates, func(a, b time.Time) int { return a.Compare(b) })

	return &Result{
		Stack:           out,
		Mask:            mask,
		ValidPixelCount: out.ValidPixelCount(),
		TotalPixelCount: grid.Size(),
		SourceDates:     dates,
		SourceCount:     len(observations),
	}, nil
}

// median sorts samples in place.
func median(samples []float64) float64 {
	slices.Sort(samples)
	n := len(samples)
	if n%2 == 1 {
		return samples[n/2]
	}
	return (samples[n/2-1] + samples[n/2]) / 2
}
