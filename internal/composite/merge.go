package composite

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"ingestion-service/internal/raster"
)

type MergeMethod string

const (
	MergeHighestResolution MergeMethod = "highest_resolution"
	MergeMedian            MergeMethod = "median"
)

func ParseMergeMethod(s string) (MergeMethod, error) {
	switch MergeMethod(strings.ToLower(strings.TrimSpace(s))) {
	case MergeHighestResolution, "":
		return MergeHighestResolution, nil
	case MergeMedian:
		return MergeMedian, nil
	default:
		return "", fmt.Errorf("unknown merge method %q", s)
	}
}

var ErrNoContributors = errors.New("no provider contributed valid data")

// ProviderOutput is one provider's masked, time-composited stack.
type ProviderOutput struct {
	Provider   string
	Resolution float64
	Stack      *raster.BandStack
	Mask       *raster.Mask
	Dates      []time.Time
	Degraded   bool
}

// Merged is the unified raster handed to index computation and zonal stats.
type Merged struct {
	Stack      *raster.BandStack
	Mask       *raster.Mask
	Resolution float64
	Providers  []string
	Dates      []time.Time
	Degraded   bool
}

// SourceName joins contributing provider names with "+".
func (m *Merged) SourceName() string {
	return strings.Join(m.Providers, "+")
}

// LatestDate is the most recent contributing scene date.
func (m *Merged) LatestDate() time.Time {
	var latest time.Time
	for _, d := range m.Dates {
		if d.After(latest) {
			latest = d
		}
	}
	return latest
}

// Merge reconciles provider outputs onto the finest grid among them.
// Outputs with no stack or no valid pixel are left out entirely.
func Merge(outputs []ProviderOutput, method MergeMethod) (*Merged, error) {
	var contributors []ProviderOutput
	for _, out := range outputs {
		if out.Stack == nil || out.Stack.ValidPixelCount() == 0 {
			continue
		}
		contributors = append(contributors, out)
	}
	if len(contributors) == 0 {
		return nil, ErrNoContributors
	}

	// Finest first; stable so ties keep caller order.
	slices.SortStableFunc(contributors, func(a, b ProviderOutput) int {
		switch {
		case a.Resolution < b.Resolution:
			return -1
		case a.Resolution > b.Resolution:
			return 1
		default:
			return 0
		}
	})

	base := contributors[0]
	grid := base.Stack.Grid
	stacks := make([]*raster.BandStack, len(contributors))
	masks := make([]*raster.Mask, len(contributors))
	merged := &Merged{Resolution: base.Resolution}

	for i, out := range contributors {
		stack, mask := out.Stack, out.Mask
		if !stack.Grid.Equal(grid) {
			var err error
			stack, err = raster.ResampleStack(stack, grid)
			if err != nil {
				return nil, fmt.Errorf("failed to reproject %s onto %.0fm grid: %w", out.Provider, base.Resolution, err)
			}
			if mask != nil {
				mask, err = raster.ResampleMask(mask, grid)
				if err != nil {
					return nil, fmt.Errorf("failed to reproject %s mask: %w", out.Provider, err)
				}
			}
		}
		if mask == nil {
			mask = noDataMask(stack)
		}
		stacks[i], masks[i] = stack, mask
		merged.Providers = append(merged.Providers, out.Provider)
		merged.Dates = append(merged.Dates, out.Dates...)
		merged.Degraded = merged.Degraded || out.Degraded
	}

	switch method {
	case MergeMedian:
		merged.Stack = mergeMedian(stacks, grid)
	default:
		merged.Stack = mergeGapFill(stacks)
	}

	merged.Mask = raster.NewMask(grid)
	for px := range merged.Mask.Cloudy {
		cloudy := true
		for _, m := range masks {
			cloudy = cloudy && m.Cloudy[px]
		}
		merged.Mask.Cloudy[px] = cloudy
	}
	return merged, nil
}

// mergeGapFill keeps every base value and fills only NoData pixels, taking
// from the next finest provider first. Bands the base lacks are taken whole.
func mergeGapFill(stacks []*raster.BandStack) *raster.BandStack {
	out := stacks[0].Clone()
	for _, other := range stacks[1:] {
		for _, b := range other.ReflectanceBands() {
			src, _ := other.Band(b)
			dst, ok := out.Band(b)
			if !ok {
				_ = out.Set(b, slices.Clone(src))
				continue
			}
			for px, v := range dst {
				if raster.IsNoData(v) && !raster.IsNoData(src[px]) {
					dst[px] = src[px]
				}
			}
		}
	}
	return out
}

// mergeMedian takes the per-pixel median across providers that hold a
// valid value for the band.
func mergeMedian(stacks []*raster.BandStack, grid raster.Grid) *raster.BandStack {
	var bands []raster.Band
	for _, s := range stacks {
		for _, b := range s.ReflectanceBands() {
			if !slices.Contains(bands, b) {
				bands = append(bands, b)
			}
		}
	}

	out := raster.NewBandStack(grid)
	samples := make([]float64, 0, len(stacks))
	for _, b := range bands {
		data := make([]float64, grid.Size())
		for px := range data {
			samples = samples[:0]
			for _, s := range stacks {
				values, ok := s.Band(b)
				if ok && !raster.IsNoData(values[px]) {
					samples = append(samples, values[px])
				}
			}
			if len(samples) == 0 {
				data[px] = raster.NoData
				continue
			}
			data[px] = median(samples)
		}
		_ = out.Set(b, data)
	}
	return out
}

func noDataMask(s *raster.BandStack) *raster.Mask {
	mask := raster.NewMask(s.Grid)
	bands := s.ReflectanceBands()
	for px := range mask.Cloudy {
		mask.Cloudy[px] = !s.PixelValid(px, bands)
	}
	return mask
}
