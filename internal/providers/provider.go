// Package providers implements the satellite imagery sources: catalog search,
// authentication, asset preparation, pixel loading and cloud masking.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"ingestion-service/internal/cloudmask"
	"ingestion-service/internal/geo"
	"ingestion-service/internal/raster"
)

// Provider names as they appear in source_provider.
const (
	NameCopernicus        = "copernicus"
	NamePlanetaryComputer = "planetary_computer"
	NamePlanetScope       = "planet_scope"
)

// BandNames maps semantic bands to provider band identifiers. A band the
// provider cannot supply is absent and ID returns "".
type BandNames map[raster.Band]string

func (b BandNames) ID(band raster.Band) string {
	return b[band]
}

// Supports reports whether the provider has an identifier for band.
func (b BandNames) Supports(band raster.Band) bool {
	return b[band] != ""
}

type Asset struct {
	Href string `json:"href"`
	Type string `json:"type,omitempty"`
}

// CatalogItem is one scene returned by a catalog search. It carries no
// pixel data.
type CatalogItem struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Provider   string           `json:"provider"`
	Datetime   time.Time        `json:"datetime"`
	CloudCover *float64         `json:"cloud_cover,omitempty"`
	Assets     map[string]Asset `json:"assets"`
}

// SceneMetadata is the provider-neutral summary of a catalog item.
type SceneMetadata struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	CloudCover *float64 `json:"cloud_cover"`
	Date       string   `json:"date"`
	Collection string   `json:"collection"`
}

type Provider interface {
	Name() string
	ResolutionMeters() float64
	BandNames() BandNames
	// Query searches the catalog. An empty result is not an error.
	Query(ctx context.Context, bbox geo.BBox, start, end time.Time, maxCloudCover float64) ([]CatalogItem, error)
	// Load reads the requested bands of items onto grid as reflectance.
	// Later items only fill pixels earlier items left empty.
	Load(ctx context.Context, items []CatalogItem, bands []raster.Band, grid raster.Grid) (*raster.BandStack, error)
	// CloudMask masks a loaded stack using the provider's quality data.
	CloudMask(ctx context.Context, data *raster.BandStack, items []CatalogItem) (*cloudmask.Result, error)
	Metadata(item CatalogItem) SceneMetadata
}

// Activator is implemented by providers whose assets must be prepared
// before download.
type Activator interface {
	Activate(ctx context.Context, item CatalogItem, assetType string) (string, error)
	AwaitActivation(ctx context.Context, item CatalogItem, assetType string, timeout, pollInterval time.Duration) (CatalogItem, error)
}

// meanCloudCover averages the scene-level cloud cover of items, nil when
// none reported one.
func meanCloudCover(items []CatalogItem) *float64 {
	var sum float64
	var n int
	for _, it := range items {
		if it.CloudCover != nil {
			sum += *it.CloudCover
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}

func metadataFor(item CatalogItem, collection string) SceneMetadata {
	md := SceneMetadata{
		ID:         item.ID,
		Name:       item.Name,
		CloudCover: item.CloudCover,
		Collection: collection,
	}
	if !item.Datetime.IsZero() {
		md.Date = item.Datetime.UTC().Format("2006-01-02")
	}
	if md.ID == "" {
		md.ID = "unknown"
	}
	if md.Name == "" {
		md.Name = "unknown"
	}
	return md
}

// fillStack copies every pixel of src into dst where dst has no data.
func fillStack(dst, src *raster.BandStack) {
	for _, b := range src.Bands() {
		from, _ := src.Band(b)
		to, ok := dst.Band(b)
		if !ok {
			clone := make([]float64, len(from))
			copy(clone, from)
			_ = dst.Set(b, clone)
			continue
		}
		for i, v := range to {
			if raster.IsNoData(v) && !raster.IsNoData(from[i]) {
				to[i] = from[i]
			}
		}
	}
}

// loadEach loads items one by one and mosaics them first-wins.
func loadEach(ctx context.Context, items []CatalogItem, load func(context.Context, CatalogItem) (*raster.BandStack, error)) (*raster.BandStack, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("no items to load")
	}
	var out *raster.BandStack
	for _, item := range items {
		stack, err := load(ctx, item)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = stack
			continue
		}
		fillStack(out, stack)
	}
	return out, nil
}

// scaleReflectance divides digital numbers by scale in place.
func scaleReflectance(data []float64, scale float64) {
	for i, v := range data {
		if !raster.IsNoData(v) {
			data[i] = v / scale
		}
	}
}

// ============================================================================
// HTTP HELPERS
// ============================================================================

func readErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return strings.TrimSpace(string(body))
}

func decodeJSON(resp *http.Response, v any) error {
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// downloadToFile streams a successful response body into a new file under
// dir and returns its path. The caller removes the file.
func downloadToFile(resp *http.Response, dir, pattern string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create scratch file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write download: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close download: %w", err)
	}
	return f.Name(), nil
}
