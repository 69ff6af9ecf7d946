package raster

import (
	"fmt"
	"math"
)

type Resampling string

const (
	Nearest  Resampling = "nearest"
	Bilinear Resampling = "bilinear"
)

// ResamplingFor picks nearest for discrete codes and bilinear for reflectance.
func ResamplingFor(b Band) Resampling {
	if b.IsClassification() {
		return Nearest
	}
	return Bilinear
}

// Resample maps data from one grid onto another in the same CRS. Target
// pixels outside the source extent become NoData. Bilinear falls back to
// nearest where any of the four neighbours is NoData.
func Resample(data []float64, from, to Grid, method Resampling) ([]float64, error) {
	if from.EPSG != to.EPSG {
		return nil, fmt.Errorf("cannot resample from EPSG:%d to EPSG:%d", from.EPSG, to.EPSG)
	}
	if len(data) != from.Size() {
		return nil, fmt.Errorf("source has %d pixels, grid expects %d", len(data), from.Size())
	}
	if from.Equal(to) {
		out := make([]float64, len(data))
		copy(out, data)
		return out, nil
	}

	out := make([]float64, to.Size())
	for row := 0; row < to.Height; row++ {
		for col := 0; col < to.Width; col++ {
			x, y := to.PixelCenter(col, row)
			fc, fr := from.WorldToPixel(x, y)
			out[to.Index(col, row)] = sample(data, from, fc, fr, method)
		}
	}
	return out, nil
}

func sample(data []float64, g Grid, fc, fr float64, method Resampling) float64 {
	nc, nr := int(math.Floor(fc)), int(math.Floor(fr))
	if !g.Contains(nc, nr) {
		return NoData
	}
	nearest := data[g.Index(nc, nr)]
	if method == Nearest {
		return nearest
	}

	// Interpolate between pixel centres, clamping at the edges.
	cc, cr := fc-0.5, fr-0.5
	c0, r0 := int(math.Floor(cc)), int(math.Floor(cr))
	dx, dy := cc-float64(c0), cr-float64(r0)
	c1, r1 := c0+1, r0+1
	c0, c1 = clamp(c0, g.Width-1), clamp(c1, g.Width-1)
	r0, r1 = clamp(r0, g.Height-1), clamp(r1, g.Height-1)

	v00 := data[g.Index(c0, r0)]
	v10 := data[g.Index(c1, r0)]
	v01 := data[g.Index(c0, r1)]
	v11 := data[g.Index(c1, r1)]
	if IsNoData(v00) || IsNoData(v10) || IsNoData(v01) || IsNoData(v11) {
		return nearest
	}
	top := v00*(1-dx) + v10*dx
	bottom := v01*(1-dx) + v11*dx
	return top*(1-dy) + bottom*dy
}

func clamp(v, hi int) int {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}

// ResampleStack resamples every band onto grid, choosing the kernel per band.
func ResampleStack(s *BandStack, to Grid) (*BandStack, error) {
	out := NewBandStack(to)
	for _, b := range s.Bands() {
		data, _ := s.Band(b)
		resampled, err := Resample(data, s.Grid, to, ResamplingFor(b))
		if err != nil {
			return nil, fmt.Errorf("failed to resample band %s: %w", b, err)
		}
		if err := out.Set(b, resampled); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ResampleMask maps a mask onto grid with nearest neighbour. Pixels outside
// the source extent count as cloudy.
func ResampleMask(m *Mask, to Grid) (*Mask, error) {
	if m.Grid.EPSG != to.EPSG {
		return nil, fmt.Errorf("cannot resample mask from EPSG:%d to EPSG:%d", m.Grid.EPSG, to.EPSG)
	}
	if m.Grid.Equal(to) {
		out := NewMask(to)
		copy(out.Cloudy, m.Cloudy)
		return out, nil
	}
	out := NewMask(to)
	for row := 0; row < to.Height; row++ {
		for col := 0; col < to.Width; col++ {
			x, y := to.PixelCenter(col, row)
			fc, fr := m.Grid.WorldToPixel(x, y)
			nc, nr := int(math.Floor(fc)), int(math.Floor(fr))
			if !m.Grid.Contains(nc, nr) {
				out.Cloudy[to.Index(col, row)] = true
				continue
			}
			out.Cloudy[to.Index(col, row)] = m.Cloudy[m.Grid.Index(nc, nr)]
		}
	}
	return out, nil
}
