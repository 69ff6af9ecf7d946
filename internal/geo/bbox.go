package geo

import (
	"fmt"
	"math"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// BBox is a WGS84 bounding box in degrees.
type BBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// EmptyBBox is the identity for Extend.
func EmptyBBox() BBox {
	return BBox{
		MinLon: math.Inf(1),
		MinLat: math.Inf(1),
		MaxLon: math.Inf(-1),
		MaxLat: math.Inf(-1),
	}
}

func (b BBox) IsEmpty() bool {
	return !(b.MinLon <= b.MaxLon && b.MinLat <= b.MaxLat)
}

// Validate rejects empty, inverted and out-of-range boxes.
func (b BBox) Validate() error {
	if b.IsEmpty() {
		return fmt.Errorf("bbox is empty")
	}
	if b.MinLon < -180 || b.MaxLon > 180 || b.MinLat < -90 || b.MaxLat > 90 {
		return fmt.Errorf("bbox %v is outside WGS84 bounds", b)
	}
	return nil
}

func (b BBox) Extend(lon, lat float64) BBox {
	return BBox{
		MinLon: math.Min(b.MinLon, lon),
		MinLat: math.Min(b.MinLat, lat),
		MaxLon: math.Max(b.MaxLon, lon),
		MaxLat: math.Max(b.MaxLat, lat),
	}
}

func (b BBox) Union(o BBox) BBox {
	if o.IsEmpty() {
		return b
	}
	return b.Extend(o.MinLon, o.MinLat).Extend(o.MaxLon, o.MaxLat)
}

func (b BBox) Center() (lon, lat float64) {
	return (b.MinLon + b.MaxLon) / 2, (b.MinLat + b.MaxLat) / 2
}

// Slice returns [minLon, minLat, maxLon, maxLat], the order STAC search expects.
func (b BBox) Slice() []float64 {
	return []float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat}
}

// Polygon returns the closed footprint ring of the box with SRID 4326.
func (b BBox) Polygon() *geom.Polygon {
	ring := []geom.Coord{
		{b.MinLon, b.MinLat},
		{b.MaxLon, b.MinLat},
		{b.MaxLon, b.MaxLat},
		{b.MinLon, b.MaxLat},
		{b.MinLon, b.MinLat},
	}
	polygon := geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{ring})
	polygon.SetSRID(4326)
	return polygon
}

// WKT renders the footprint as POLYGON((...)) text.
func (b BBox) WKT() (string, error) {
	text, err := wkt.Marshal(b.Polygon())
	if err != nil {
		return "", fmt.Errorf("failed to marshal bbox to WKT: %w", err)
	}
	return text, nil
}

// GeoJSONCoordinates returns the footprint ring in GeoJSON nesting.
func (b BBox) GeoJSONCoordinates() [][][]float64 {
	return [][][]float64{{
		{b.MinLon, b.MinLat},
		{b.MaxLon, b.MinLat},
		{b.MaxLon, b.MaxLat},
		{b.MinLon, b.MaxLat},
		{b.MinLon, b.MinLat},
	}}
}
