package zonal

import (
	"math"

	"ingestion-service/internal/raster"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Rasterize returns the indices of grid pixels covered by polygon, which must
// already be in the grid CRS. With allTouched every pixel the boundary passes
// through is included as well as every pixel whose centre lies inside.
func Rasterize(grid raster.Grid, polygon orb.Polygon, allTouched bool) []int {
	if len(polygon) == 0 || len(polygon[0]) == 0 {
		return nil
	}

	bound := polygon.Bound()
	c0, r0, c1, r1 := pixelWindow(grid, bound)
	if c0 > c1 || r0 > r1 {
		return nil
	}

	selected := make(map[int]struct{})
	for row := r0; row <= r1; row++ {
		for col := c0; col <= c1; col++ {
			x, y := grid.PixelCenter(col, row)
			if planar.PolygonContains(polygon, orb.Point{x, y}) {
				selected[grid.Index(col, row)] = struct{}{}
			}
		}
	}

	if allTouched {
		for _, ring := range polygon {
			for i := 0; i+1 < len(ring); i++ {
				touchSegment(grid, ring[i], ring[i+1], selected)
			}
		}
	}

	out := make([]int, 0, len(selected))
	for row := r0; row <= r1; row++ {
		for col := c0; col <= c1; col++ {
			idx := grid.Index(col, row)
			if _, ok := selected[idx]; ok {
				out = append(out, idx)
			}
		}
	}
	return out
}

// pixelWindow clamps the pixel range intersecting bound to the grid.
func pixelWindow(grid raster.Grid, bound orb.Bound) (c0, r0, c1, r1 int) {
	ca, ra := grid.WorldToPixel(bound.Min[0], bound.Min[1])
	cb, rb := grid.WorldToPixel(bound.Max[0], bound.Max[1])
	c0 = max(int(math.Floor(math.Min(ca, cb))), 0)
	r0 = max(int(math.Floor(math.Min(ra, rb))), 0)
	c1 = min(int(math.Floor(math.Max(ca, cb))), grid.Width-1)
	r1 = min(int(math.Floor(math.Max(ra, rb))), grid.Height-1)
	return c0, r0, c1, r1
}

func touchSegment(grid raster.Grid, a, b orb.Point, selected map[int]struct{}) {
	c0, r0, c1, r1 := pixelWindow(grid, orb.Bound{
		Min: orb.Point{math.Min(a[0], b[0]), math.Min(a[1], b[1])},
		Max: orb.Point{math.Max(a[0], b[0]), math.Max(a[1], b[1])},
	})
	for row := r0; row <= r1; row++ {
		for col := c0; col <= c1; col++ {
			minX, minY, maxX, maxY := grid.PixelBounds(col, row)
			if segmentIntersectsBox(a, b, minX, minY, maxX, maxY) {
				selected[grid.Index(col, row)] = struct{}{}
			}
		}
	}
}

// segmentIntersectsBox is a Liang-Barsky clip test against the open box, so
// a segment running along a pixel edge or through a corner does not count.
func segmentIntersectsBox(a, b orb.Point, minX, minY, maxX, maxY float64) bool {
	dx, dy := b[0]-a[0], b[1]-a[1]
	t0, t1 := 0.0, 1.0
	checks := [4][2]float64{
		{-dx, a[0] - minX},
		{dx, maxX - a[0]},
		{-dy, a[1] - minY},
		{dy, maxY - a[1]},
	}
	for _, c := range checks {
		p, q := c[0], c[1]
		if p == 0 {
			if q <= 0 {
				return false
			}
			continue
		}
		r := q / p
		if p < 0 {
			if r > t1 {
				return false
			}
			if r > t0 {
				t0 = r
			}
		} else {
			if r < t0 {
				return false
			}
			if r < t1 {
				t1 = r
			}
		}
	}
	return t0 < t1
}
