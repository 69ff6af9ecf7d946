package providers

import (
	"context"
	"fmt"
	"log/slog"

	"ingestion-service/internal/cloudmask"
	"ingestion-service/internal/imagery"
	"ingestion-service/internal/raster"
)

// Sentinel-2 L2A constants shared by every catalog that serves it.
const (
	sentinel2Resolution = 10.0
	sentinel2Scale      = 10000.0
	sentinel2Collection = "SENTINEL-2"
)

var sentinel2Bands = BandNames{
	raster.BandNIR:   "B08",
	raster.BandRed:   "B04",
	raster.BandGreen: "B03",
	raster.BandBlue:  "B02",
	raster.BandSWIR:  "B11",
	raster.BandSCL:   "SCL",
}

// sentinel2BandIDs lists the provider identifiers for the requested bands.
func sentinel2BandIDs(bands []raster.Band) []string {
	ids := make([]string, 0, len(bands))
	for _, b := range bands {
		if id := sentinel2Bands.ID(b); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// readSentinel2Bands reads each requested band from paths (band id to GDAL
// dataset name). Reflectance is divided by the L2A scale; SCL keeps its class
// codes. Bands missing from the product are logged and left out.
func readSentinel2Bands(ctx context.Context, reader imagery.Reader, provider, itemID string, paths map[string]string, bands []raster.Band, grid raster.Grid) (*raster.BandStack, error) {
	stack := raster.NewBandStack(grid)
	zero := 0.0

	for _, b := range bands {
		id := sentinel2Bands.ID(b)
		if id == "" {
			slog.Warn("Band not offered by provider", "provider", provider, "band", b)
			continue
		}
		path, ok := paths[id]
		if !ok {
			slog.Warn("Band missing from scene", "provider", provider, "item_id", itemID, "band", id)
			continue
		}

		out, err := reader.Read(ctx, imagery.Source{Path: path, NoData: &zero}, grid, raster.ResamplingFor(b))
		if err != nil {
			return nil, fmt.Errorf("failed to read band %s of %s: %w", id, itemID, err)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("band %s of %s has no raster data", id, itemID)
		}
		data := out[0]
		if !b.IsClassification() {
			scaleReflectance(data, sentinel2Scale)
		}
		if err := stack.Set(b, data); err != nil {
			return nil, fmt.Errorf("failed to stack band %s: %w", id, err)
		}
	}

	if len(stack.Bands()) == 0 {
		return nil, fmt.Errorf("none of the requested bands could be read from %s", itemID)
	}
	return stack, nil
}

func sentinel2CloudMask(provider string, data *raster.BandStack, items []CatalogItem) (*cloudmask.Result, error) {
	res, err := cloudmask.FromSCL(data, meanCloudCover(items))
	if err != nil {
		return nil, err
	}
	if res.Degraded {
		slog.Warn("Cloud mask degraded", "provider", provider, "reason", res.DegradedReason)
	}
	return res, nil
}
