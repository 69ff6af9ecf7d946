// Package cloudmask classifies pixels as usable or cloudy for each provider family.
package cloudmask

import (
	"fmt"
	"slices"

	"ingestion-service/internal/raster"
)

// Result carries the masked stack together with the raw mask so cloud cover
// can be re-evaluated per paddock.
type Result struct {
	Data              *raster.BandStack
	CloudFreeFraction float64
	Mask              *raster.Mask
	// Degraded is set when the mask could not be derived from per-pixel
	// quality data and the scene is assumed clear.
	Degraded       bool
	DegradedReason string
}

// ============================================================================
// SENTINEL-2 SCENE CLASSIFICATION
// ============================================================================

// SCL classes treated as invalid: cloud shadow, cloud medium/high
// probability and thin cirrus.
var SCLInvalidClasses = []int{3, 8, 9, 10}

// FromSCL masks the stack using its scl band. When the band is absent the
// scene-level cloud cover (percent, may be nil) stands in for the fraction
// and every pixel is kept.
func FromSCL(stack *raster.BandStack, sceneCloudCover *float64) (*Result, error) {
	masked := stack.Clone()
	mask := raster.NewMask(stack.Grid)

	scl, ok := stack.Band(raster.BandSCL)
	if !ok {
		fraction := 1.0
		if sceneCloudCover != nil {
			fraction = clamp01(1 - *sceneCloudCover/100)
		}
		return &Result{
			Data:              masked,
			CloudFreeFraction: fraction,
			Mask:              mask,
			Degraded:          true,
			DegradedReason:    "scene classification band unavailable, using scene cloud cover",
		}, nil
	}

	for i, v := range scl {
		if raster.IsNoData(v) {
			continue
		}
		mask.Cloudy[i] = slices.Contains(SCLInvalidClasses, int(v))
	}
	if err := raster.ApplyMask(masked, mask); err != nil {
		return nil, fmt.Errorf("failed to apply SCL mask: %w", err)
	}

	return &Result{
		Data:              masked,
		CloudFreeFraction: mask.CloudFreeFraction(),
		Mask:              mask,
	}, nil
}

// ============================================================================
// PLANETSCOPE USABLE DATA MASK
// ============================================================================

// UDM2 holds the two quality bands the mask needs, on the stack grid.
type UDM2 struct {
	Clear []float64 // band 1, 1 = clear
	Cloud []float64 // band 6, 1 = cloud
}

// ClearPixels returns clear = band1 == 1 AND band6 == 0.
func (u *UDM2) ClearPixels() []bool {
	out := make([]bool, len(u.Clear))
	for i := range u.Clear {
		out[i] = u.Clear[i] == 1 && u.Cloud[i] == 0
	}
	return out
}

// FromUDM2 masks the stack with one quality mask per contributing scene. A
// pixel is usable if any scene marks it clear. A nil entry is a scene whose
// quality asset was unavailable and is treated as entirely clear.
func FromUDM2(stack *raster.BandStack, scenes []*UDM2) (*Result, error) {
	size := stack.Grid.Size()
	usable := make([]bool, size)
	degraded := len(scenes) == 0

	for idx, scene := range scenes {
		if scene == nil {
			degraded = true
			for i := range usable {
				usable[i] = true
			}
			continue
		}
		if len(scene.Clear) != size || len(scene.Cloud) != size {
			return nil, fmt.Errorf("quality mask %d has %d/%d pixels, stack has %d",
				idx, len(scene.Clear), len(scene.Cloud), size)
		}
		for i, c := range scene.ClearPixels() {
			usable[i] = usable[i] || c
		}
	}
	if len(scenes) == 0 {
		for i := range usable {
			usable[i] = true
		}
	}

	mask := raster.NewMask(stack.Grid)
	for i, c := range usable {
		mask.Cloudy[i] = !c
	}

	masked := stack.Clone()
	if err := raster.ApplyMask(masked, mask); err != nil {
		return nil, fmt.Errorf("failed to apply UDM2 mask: %w", err)
	}

	result := &Result{
		Data:              masked,
		CloudFreeFraction: mask.CloudFreeFraction(),
		Mask:              mask,
		Degraded:          degraded,
	}
	if degraded {
		result.DegradedReason = "usable data mask unavailable for at least one scene, assuming clear"
	}
	return result, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
