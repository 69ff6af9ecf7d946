package raster

import (
	"fmt"
	"math"

	"ingestion-service/internal/geo"
)

// GeoTransform follows the GDAL affine layout:
// [originX, pixelWidth, rowRotation, originY, colRotation, -pixelHeight].
type GeoTransform [6]float64

// Grid is the spatial frame shared by every band of a stack.
type Grid struct {
	Width     int          `json:"width"`
	Height    int          `json:"height"`
	Transform GeoTransform `json:"transform"`
	EPSG      int          `json:"epsg"`
}

// NewUTMGrid covers bbox with square pixels of the given size in the UTM zone
// u. The origin is snapped to a multiple of the resolution so grids at
// different resolutions over the same farm nest cleanly.
func NewUTMGrid(u geo.UTM, bbox geo.BBox, resolution float64) (Grid, error) {
	if err := bbox.Validate(); err != nil {
		return Grid{}, err
	}
	if resolution <= 0 {
		return Grid{}, fmt.Errorf("resolution must be positive, got %f", resolution)
	}

	minX, minY, maxX, maxY := u.ForwardBBox(bbox)
	minX = math.Floor(minX/resolution) * resolution
	minY = math.Floor(minY/resolution) * resolution
	maxX = math.Ceil(maxX/resolution) * resolution
	maxY = math.Ceil(maxY/resolution) * resolution

	width := int(math.Round((maxX - minX) / resolution))
	height := int(math.Round((maxY - minY) / resolution))
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}

	return Grid{
		Width:     width,
		Height:    height,
		Transform: GeoTransform{minX, resolution, 0, maxY, 0, -resolution},
		EPSG:      u.EPSG(),
	}, nil
}

func (g Grid) Size() int {
	return g.Width * g.Height
}

// Resolution is the pixel width in CRS units.
func (g Grid) Resolution() float64 {
	return math.Abs(g.Transform[1])
}

func (g Grid) Bounds() (minX, minY, maxX, maxY float64) {
	x0 := g.Transform[0]
	y0 := g.Transform[3]
	x1 := x0 + float64(g.Width)*g.Transform[1]
	y1 := y0 + float64(g.Height)*g.Transform[5]
	return math.Min(x0, x1), math.Min(y0, y1), math.Max(x0, x1), math.Max(y0, y1)
}

// PixelCenter returns CRS coordinates of the centre of (col, row).
func (g Grid) PixelCenter(col, row int) (x, y float64) {
	x = g.Transform[0] + (float64(col)+0.5)*g.Transform[1]
	y = g.Transform[3] + (float64(row)+0.5)*g.Transform[5]
	return x, y
}

// PixelBounds returns the CRS extent of (col, row).
func (g Grid) PixelBounds(col, row int) (minX, minY, maxX, maxY float64) {
	x0 := g.Transform[0] + float64(col)*g.Transform[1]
	y0 := g.Transform[3] + float64(row)*g.Transform[5]
	x1 := x0 + g.Transform[1]
	y1 := y0 + g.Transform[5]
	return math.Min(x0, x1), math.Min(y0, y1), math.Max(x0, x1), math.Max(y0, y1)
}

// WorldToPixel maps CRS coordinates to fractional pixel coordinates, where
// (0,0) is the top-left corner of the first pixel.
func (g Grid) WorldToPixel(x, y float64) (col, row float64) {
	return (x - g.Transform[0]) / g.Transform[1], (y - g.Transform[3]) / g.Transform[5]
}

func (g Grid) Index(col, row int) int {
	return row*g.Width + col
}

func (g Grid) Contains(col, row int) bool {
	return col >= 0 && row >= 0 && col < g.Width && row < g.Height
}

// Equal reports whether both grids address the same pixels.
func (g Grid) Equal(o Grid) bool {
	return g.Width == o.Width && g.Height == o.Height && g.EPSG == o.EPSG && g.Transform == o.Transform
}

func (g Grid) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("grid has invalid shape %dx%d", g.Width, g.Height)
	}
	if g.Transform[1] == 0 || g.Transform[5] == 0 {
		return fmt.Errorf("grid has zero pixel size")
	}
	return nil
}

// WithResolution returns a grid over the same extent at a new pixel size.
func (g Grid) WithResolution(resolution float64) Grid {
	minX, minY, maxX, maxY := g.Bounds()
	width := int(math.Ceil((maxX-minX)/resolution - 1e-9))
	height := int(math.Ceil((maxY-minY)/resolution - 1e-9))
	return Grid{
		Width:     max(width, 1),
		Height:    max(height, 1),
		Transform: GeoTransform{minX, resolution, 0, maxY, 0, -resolution},
		EPSG:      g.EPSG,
	}
}
