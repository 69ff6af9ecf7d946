// Package imagery decodes provider rasters onto the farm target grid.
package imagery

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"ingestion-service/internal/raster"

	"github.com/airbusgeo/godal"
)

// Source names a GDAL dataset. Path may use /vsizip/ or /vsicurl/ prefixes.
type Source struct {
	Path   string
	NoData *float64
}

// Reader warps a dataset onto grid and returns one slice per dataset band,
// row-major, NaN where the source has no data.
type Reader interface {
	Read(ctx context.Context, src Source, grid raster.Grid, method raster.Resampling) ([][]float64, error)
}

var registerOnce sync.Once

type GDALReader struct{}

func NewGDALReader() *GDALReader {
	registerOnce.Do(godal.RegisterAll)
	return &GDALReader{}
}

func (r *GDALReader) Read(ctx context.Context, src Source, grid raster.Grid, method raster.Resampling) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := grid.Validate(); err != nil {
		return nil, fmt.Errorf("invalid target grid: %w", err)
	}

	ds, err := godal.Open(src.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", src.Path, err)
	}
	defer ds.Close()

	warped, err := ds.Warp("", WarpSwitches(src, grid, method))
	if err != nil {
		return nil, fmt.Errorf("failed to warp %s onto EPSG:%d: %w", src.Path, grid.EPSG, err)
	}
	defer warped.Close()

	bands := warped.Bands()
	out := make([][]float64, len(bands))
	for i, band := range bands {
		buf := make([]float64, grid.Size())
		if err := band.Read(0, 0, buf, grid.Width, grid.Height); err != nil {
			return nil, fmt.Errorf("failed to read band %d of %s: %w", i+1, src.Path, err)
		}
		out[i] = buf
	}
	return out, nil
}

// WarpSwitches builds the gdalwarp arguments that place a dataset exactly on
// grid as an in-memory float64 raster.
func WarpSwitches(src Source, grid raster.Grid, method raster.Resampling) []string {
	minX, minY, maxX, maxY := grid.Bounds()
	switches := []string{
		"-of", "MEM",
		"-t_srs", "EPSG:" + strconv.Itoa(grid.EPSG),
		"-te", formatFloat(minX), formatFloat(minY), formatFloat(maxX), formatFloat(maxY),
		"-ts", strconv.Itoa(grid.Width), strconv.Itoa(grid.Height),
		"-r", warpResampling(method),
		"-ot", "Float64",
		"-dstnodata", "nan",
	}
	if src.NoData != nil {
		switches = append(switches, "-srcnodata", formatFloat(*src.NoData))
	}
	return switches
}

func warpResampling(method raster.Resampling) string {
	if method == raster.Bilinear {
		return "bilinear"
	}
	return "near"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
