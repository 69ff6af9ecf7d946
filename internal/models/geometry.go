package models

import (
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"ingestion-service/internal/geo"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// GeoJSONPolygon represents a GeoJSON Polygon in WGS84 longitude/latitude order
type GeoJSONPolygon struct {
	Type        string        `json:"type"`
	Coordinates [][][]float64 `json:"coordinates"`
}

// Validate checks that the outer ring is closed, finite and has at least three
// unique vertices.
func (g *GeoJSONPolygon) Validate() error {
	if g == nil {
		return fmt.Errorf("geometry is nil")
	}
	if g.Type != "Polygon" {
		return fmt.Errorf("geometry type %q is not Polygon", g.Type)
	}
	if len(g.Coordinates) == 0 || len(g.Coordinates[0]) == 0 {
		return fmt.Errorf("polygon has no coordinates")
	}

	for ringIdx, ring := range g.Coordinates {
		if len(ring) < 4 {
			return fmt.Errorf("ring %d has %d positions, need at least 4", ringIdx, len(ring))
		}
		unique := make(map[[2]float64]struct{}, len(ring))
		for i, pos := range ring {
			if len(pos) < 2 {
				return fmt.Errorf("ring %d position %d has %d ordinates", ringIdx, i, len(pos))
			}
			lon, lat := pos[0], pos[1]
			if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
				return fmt.Errorf("ring %d position %d is not finite", ringIdx, i)
			}
			if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
				return fmt.Errorf("ring %d position %d (%f, %f) is outside WGS84 bounds", ringIdx, i, lon, lat)
			}
			unique[[2]float64{lon, lat}] = struct{}{}
		}
		first, last := ring[0], ring[len(ring)-1]
		if first[0] != last[0] || first[1] != last[1] {
			return fmt.Errorf("ring %d is not closed", ringIdx)
		}
		if len(unique) < 3 {
			return fmt.Errorf("ring %d has %d unique vertices, need at least 3", ringIdx, len(unique))
		}
	}
	return nil
}

// Bounds returns the bounding box of the outer ring.
func (g *GeoJSONPolygon) Bounds() geo.BBox {
	bbox := geo.EmptyBBox()
	if g == nil || len(g.Coordinates) == 0 {
		return bbox
	}
	for _, pos := range g.Coordinates[0] {
		if len(pos) >= 2 {
			bbox = bbox.Extend(pos[0], pos[1])
		}
	}
	return bbox
}

// ToGeom converts the polygon to a go-geom Polygon with SRID 4326.
func (g *GeoJSONPolygon) ToGeom() (*geom.Polygon, error) {
	geoJSONBytes, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GeoJSON: %w", err)
	}

	var geometry geom.T
	if err := geojson.Unmarshal(geoJSONBytes, &geometry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal GeoJSON: %w", err)
	}

	polygon, ok := geometry.(*geom.Polygon)
	if !ok {
		return nil, fmt.Errorf("geometry is not a Polygon")
	}
	polygon.SetSRID(4326)
	return polygon, nil
}

// Value writes the polygon as EWKT for a PostGIS GEOMETRY(Polygon, 4326) column.
func (g *GeoJSONPolygon) Value() (driver.Value, error) {
	if g == nil || g.Type == "" {
		return nil, nil
	}

	polygon, err := g.ToGeom()
	if err != nil {
		return nil, err
	}

	wktString, err := wkt.Marshal(polygon)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to WKT: %w", err)
	}

	return fmt.Sprintf("SRID=%d;%s", polygon.SRID(), wktString), nil
}

// Scan reads a PostGIS geometry, either raw EWKB or the hex text form lib/pq returns.
func (g *GeoJSONPolygon) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("failed to scan GeoJSONPolygon: expected []byte, got %T", value)
	}

	if decoded, err := hex.DecodeString(string(raw)); err == nil {
		raw = decoded
	}

	geometry, err := ewkb.Unmarshal(raw)
	if err != nil {
		return fmt.Errorf("failed to unmarshal EWKB: %w", err)
	}

	polygon, ok := geometry.(*geom.Polygon)
	if !ok {
		return fmt.Errorf("scanned geometry is not a Polygon")
	}

	geoJSONBytes, err := geojson.Marshal(polygon)
	if err != nil {
		return fmt.Errorf("failed to marshal to GeoJSON: %w", err)
	}

	return json.Unmarshal(geoJSONBytes, g)
}
