package raster

import (
	"fmt"
	"math"
	"slices"
)

// Band is a provider-independent band name.
type Band string

const (
	BandNIR   Band = "nir"
	BandRed   Band = "red"
	BandGreen Band = "green"
	BandBlue  Band = "blue"
	BandSWIR  Band = "swir"
	BandSCL   Band = "scl"
)

// IsClassification reports whether values are discrete codes rather than
// reflectance. Classification bands are never scaled, masked or interpolated.
func (b Band) IsClassification() bool {
	return b == BandSCL
}

// NoData marks a pixel without a usable value inside numeric kernels.
var NoData = math.NaN()

func IsNoData(v float64) bool {
	return math.IsNaN(v)
}

// BandStack holds co-registered bands indexed by (band, y, x) in row-major order.
type BandStack struct {
	Grid  Grid
	bands map[Band][]float64
	order []Band
}

func NewBandStack(grid Grid) *BandStack {
	return &BandStack{
		Grid:  grid,
		bands: make(map[Band][]float64),
	}
}

// Set stores data for band b. The slice must match the grid size.
func (s *BandStack) Set(b Band, data []float64) error {
	if len(data) != s.Grid.Size() {
		return fmt.Errorf("band %s has %d pixels, grid expects %d", b, len(data), s.Grid.Size())
	}
	if _, exists := s.bands[b]; !exists {
		s.order = append(s.order, b)
	}
	s.bands[b] = data
	return nil
}

func (s *BandStack) Band(b Band) ([]float64, bool) {
	data, ok := s.bands[b]
	return data, ok
}

func (s *BandStack) Has(b Band) bool {
	_, ok := s.bands[b]
	return ok
}

// Bands returns band names in insertion order.
func (s *BandStack) Bands() []Band {
	return slices.Clone(s.order)
}

// Clone deep-copies the stack.
func (s *BandStack) Clone() *BandStack {
	out := NewBandStack(s.Grid)
	for _, b := range s.order {
		_ = out.Set(b, slices.Clone(s.bands[b]))
	}
	return out
}

// ReflectanceBands lists the non-classification bands.
func (s *BandStack) ReflectanceBands() []Band {
	var out []Band
	for _, b := range s.order {
		if !b.IsClassification() {
			out = append(out, b)
		}
	}
	return out
}

// ValidPixelCount counts pixels where every reflectance band has a value.
func (s *BandStack) ValidPixelCount() int {
	bands := s.ReflectanceBands()
	if len(bands) == 0 {
		return 0
	}
	count := 0
	for i := 0; i < s.Grid.Size(); i++ {
		if s.PixelValid(i, bands) {
			count++
		}
	}
	return count
}

// PixelValid reports whether pixel i has a value in every listed band.
func (s *BandStack) PixelValid(i int, bands []Band) bool {
	for _, b := range bands {
		if IsNoData(s.bands[b][i]) {
			return false
		}
	}
	return true
}

// Mask marks invalid (cloudy, shadowed or otherwise unusable) pixels.
type Mask struct {
	Grid   Grid
	Cloudy []bool
}

func NewMask(grid Grid) *Mask {
	return &Mask{Grid: grid, Cloudy: make([]bool, grid.Size())}
}

// CloudFreeFraction is the share of non-cloudy pixels, in [0, 1]. An empty
// mask counts as fully clear.
func (m *Mask) CloudFreeFraction() float64 {
	if m == nil || len(m.Cloudy) == 0 {
		return 1.0
	}
	cloudy := 0
	for _, c := range m.Cloudy {
		if c {
			cloudy++
		}
	}
	if cloudy == 0 {
		return 1.0
	}
	return 1.0 - float64(cloudy)/float64(len(m.Cloudy))
}

// ApplyMask sets every reflectance band to NoData where the mask is cloudy.
// Classification bands keep their codes.
func ApplyMask(s *BandStack, m *Mask) error {
	if !s.Grid.Equal(m.Grid) {
		return fmt.Errorf("mask grid does not match stack grid")
	}
	for _, b := range s.ReflectanceBands() {
		data := s.bands[b]
		for i, cloudy := range m.Cloudy {
			if cloudy {
				data[i] = NoData
			}
		}
	}
	return nil
}
