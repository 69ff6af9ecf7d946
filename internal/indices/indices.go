// Package indices computes per-pixel vegetation and water indices from a band stack.
package indices

import (
	"fmt"
	"math"
	"strings"

	"ingestion-service/internal/raster"
)

type Index string

const (
	NDVI Index = "ndvi"
	EVI  Index = "evi"
	NDWI Index = "ndwi"
)

// RequiredBands lists the minimum band set per index.
var RequiredBands = map[Index][]raster.Band{
	NDVI: {raster.BandNIR, raster.BandRed},
	EVI:  {raster.BandNIR, raster.BandRed, raster.BandBlue},
	NDWI: {raster.BandNIR, raster.BandSWIR},
}

// MissingBandError is returned when a stack lacks a band an index needs.
type MissingBandError struct {
	Band    raster.Band
	Present []raster.Band
}

func (e *MissingBandError) Error() string {
	names := make([]string, len(e.Present))
	for i, b := range e.Present {
		names[i] = string(b)
	}
	return fmt.Sprintf("missing band %q, stack has [%s]", e.Band, strings.Join(names, ", "))
}

// EVICoefficients parameterise the enhanced vegetation index.
type EVICoefficients struct {
	G  float64
	C1 float64
	C2 float64
	L  float64
}

var DefaultEVICoefficients = EVICoefficients{G: 2.5, C1: 6.0, C2: 7.5, L: 1.0}

func requireBands(s *raster.BandStack, idx Index) ([][]float64, error) {
	out := make([][]float64, 0, len(RequiredBands[idx]))
	for _, b := range RequiredBands[idx] {
		data, ok := s.Band(b)
		if !ok {
			return nil, &MissingBandError{Band: b, Present: s.Bands()}
		}
		out = append(out, data)
	}
	return out, nil
}

// finite maps NaN and ±Inf to NoData.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return raster.NoData
	}
	return v
}

func normalizedDifference(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = finite((a[i] - b[i]) / (a[i] + b[i]))
	}
	return out
}

// ComputeNDVI returns (NIR - Red) / (NIR + Red).
func ComputeNDVI(s *raster.BandStack) ([]float64, error) {
	bands, err := requireBands(s, NDVI)
	if err != nil {
		return nil, err
	}
	return normalizedDifference(bands[0], bands[1]), nil
}

// ComputeNDWI returns (NIR - SWIR) / (NIR + SWIR).
func ComputeNDWI(s *raster.BandStack) ([]float64, error) {
	bands, err := requireBands(s, NDWI)
	if err != nil {
		return nil, err
	}
	return normalizedDifference(bands[0], bands[1]), nil
}

// ComputeEVI returns G*(NIR - Red) / (NIR + C1*Red - C2*Blue + L).
func ComputeEVI(s *raster.BandStack, c EVICoefficients) ([]float64, error) {
	bands, err := requireBands(s, EVI)
	if err != nil {
		return nil, err
	}
	nir, red, blue := bands[0], bands[1], bands[2]
	out := make([]float64, len(nir))
	for i := range nir {
		out[i] = finite(c.G * (nir[i] - red[i]) / (nir[i] + c.C1*red[i] - c.C2*blue[i] + c.L))
	}
	return out, nil
}

// Compute dispatches on idx using default EVI coefficients.
func Compute(s *raster.BandStack, idx Index) ([]float64, error) {
	switch idx {
	case NDVI:
		return ComputeNDVI(s)
	case EVI:
		return ComputeEVI(s, DefaultEVICoefficients)
	case NDWI:
		return ComputeNDWI(s)
	default:
		return nil, fmt.Errorf("unknown index %q", idx)
	}
}
