package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"ingestion-service/internal/cloudmask"
	"ingestion-service/internal/geo"
	"ingestion-service/internal/imagery"
	"ingestion-service/internal/raster"
)

// PlanetScope asset types and item type.
const (
	PlanetItemType      = "PSScene"
	AssetAnalyticSR     = "ortho_analytic_4b_sr"
	AssetUDM2           = "ortho_udm2"
	planetResolution    = 3.0
	planetScale         = 10000.0
	planetCollection    = "PlanetScope"
	planetAssetsLinkKey = "_links.assets"
)

// Asset activation states reported by the Data API.
const (
	AssetStatusInactive   = "inactive"
	AssetStatusActivating = "activating"
	AssetStatusActive     = "active"
	AssetStatusFailed     = "failed"
)

var planetBands = BandNames{
	raster.BandBlue:  "Blue",
	raster.BandGreen: "Green",
	raster.BandRed:   "Red",
	raster.BandNIR:   "NIR",
}

// Band order inside the 4-band analytic GeoTIFF.
var planetBandIndex = map[raster.Band]int{
	raster.BandBlue:  0,
	raster.BandGreen: 1,
	raster.BandRed:   2,
	raster.BandNIR:   3,
}

// PlanetScopeProvider serves 3 m PlanetScope scenes from the Planet Data
// API. Assets must be activated before download.
type PlanetScopeProvider struct {
	apiKey         string
	baseURL        string
	client         *http.Client
	downloadClient *http.Client
	reader         imagery.Reader
	opts           Options
}

func NewPlanetScopeProvider(apiKey, baseURL string, reader imagery.Reader, opts Options) *PlanetScopeProvider {
	opts = opts.withDefaults()
	return &PlanetScopeProvider{
		apiKey:         apiKey,
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		client:         &http.Client{Timeout: opts.MetadataTimeout},
		downloadClient: &http.Client{Timeout: opts.DownloadTimeout},
		reader:         reader,
		opts:           opts,
	}
}

func (p *PlanetScopeProvider) Name() string              { return NamePlanetScope }
func (p *PlanetScopeProvider) ResolutionMeters() float64 { return planetResolution }
func (p *PlanetScopeProvider) BandNames() BandNames      { return planetBands }

func (p *PlanetScopeProvider) newRequest(ctx context.Context, method, target string, body []byte) (*http.Request, error) {
	if p.apiKey == "" {
		return nil, &AuthenticationError{Provider: NamePlanetScope, Message: "API key is not configured"}
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "api-key "+p.apiKey)
	req.Header.Set("User-Agent", p.opts.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// checkStatus maps auth and quota statuses to typed errors.
func (p *PlanetScopeProvider) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthenticationError{Provider: NamePlanetScope, Message: "API key rejected: " + readErrorBody(resp)}
	case isQuotaStatus(resp.StatusCode):
		return &QuotaExceededError{Provider: NamePlanetScope, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, readErrorBody(resp))}
	}
	return nil
}

// ============================================================================
// QUICK SEARCH
// ============================================================================

type planetFilter struct {
	Type      string `json:"type"`
	FieldName string `json:"field_name,omitempty"`
	Config    any    `json:"config"`
}

type planetGeometry struct {
	Type        string        `json:"type"`
	Coordinates [][][]float64 `json:"coordinates"`
}

type planetSearchRequest struct {
	ItemTypes []string     `json:"item_types"`
	Filter    planetFilter `json:"filter"`
}

type planetFeature struct {
	ID         string `json:"id"`
	Properties struct {
		Acquired   time.Time `json:"acquired"`
		CloudCover *float64  `json:"cloud_cover"`
	} `json:"properties"`
	Links struct {
		Assets string `json:"assets"`
	} `json:"_links"`
}

type planetSearchResponse struct {
	Features []planetFeature `json:"features"`
}

// searchFilter builds the AndFilter for scenes over bbox in [start, end]
// with cloud cover (percent) at most maxCloudCover.
func searchFilter(bbox geo.BBox, start, end time.Time, maxCloudCover float64) planetFilter {
	return planetFilter{
		Type: "AndFilter",
		Config: []planetFilter{
			{
				Type:      "GeometryFilter",
				FieldName: "geometry",
				Config:    planetGeometry{Type: "Polygon", Coordinates: bbox.GeoJSONCoordinates()},
			},
			{
				Type:      "DateRangeFilter",
				FieldName: "acquired",
				Config: map[string]string{
					"gte": start.UTC().Format("2006-01-02") + "T00:00:00Z",
					"lte": end.UTC().Format("2006-01-02") + "T23:59:59Z",
				},
			},
			{
				Type:      "RangeFilter",
				FieldName: "cloud_cover",
				Config:    map[string]float64{"lte": maxCloudCover / 100.0},
			},
			{
				Type:   "AssetFilter",
				Config: []string{AssetAnalyticSR},
			},
		},
	}
}

func (p *PlanetScopeProvider) Query(ctx context.Context, bbox geo.BBox, start, end time.Time, maxCloudCover float64) ([]CatalogItem, error) {
	payload, err := json.Marshal(planetSearchRequest{
		ItemTypes: []string{PlanetItemType},
		Filter:    searchFilter(bbox, start, end, maxCloudCover),
	})
	if err != nil {
		return nil, &CatalogQueryError{Provider: NamePlanetScope, Message: "failed to encode search", Err: err}
	}

	params := url.Values{"_sort": {"acquired desc"}, "_page_size": {"100"}}
	req, err := p.newRequest(ctx, http.MethodPost, p.baseURL+"/quick-search?"+params.Encode(), payload)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &CatalogQueryError{Provider: NamePlanetScope, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if err := p.checkStatus(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &CatalogQueryError{Provider: NamePlanetScope, StatusCode: resp.StatusCode, Message: readErrorBody(resp)}
	}

	var body planetSearchResponse
	if err := decodeJSON(resp, &body); err != nil {
		return nil, &CatalogQueryError{Provider: NamePlanetScope, Message: "malformed search response", Err: err}
	}

	items := make([]CatalogItem, 0, len(body.Features))
	for _, f := range body.Features {
		item := CatalogItem{
			ID:       f.ID,
			Name:     f.ID,
			Provider: NamePlanetScope,
			Datetime: f.Properties.Acquired,
			Assets:   map[string]Asset{},
		}
		if f.Properties.CloudCover != nil {
			pct := *f.Properties.CloudCover * 100
			item.CloudCover = &pct
		}
		assetsURL := f.Links.Assets
		if assetsURL == "" {
			assetsURL = fmt.Sprintf("%s/item-types/%s/items/%s/assets", p.baseURL, PlanetItemType, f.ID)
		}
		item.Assets[planetAssetsLinkKey] = Asset{Href: assetsURL}
		items = append(items, item)
	}
	slog.Info("PlanetScope search returned scenes", "count", len(items))
	return items, nil
}

// ============================================================================
// ASSET ACTIVATION
// ============================================================================

type planetAsset struct {
	Status   string `json:"status"`
	Location string `json:"location"`
	Links    struct {
		Activate string `json:"activate"`
	} `json:"_links"`
}

func (p *PlanetScopeProvider) assetStatus(ctx context.Context, item CatalogItem, assetType string) (*planetAsset, error) {
	listing, ok := item.Assets[planetAssetsLinkKey]
	if !ok || listing.Href == "" {
		return nil, fmt.Errorf("item %s has no asset listing", item.ID)
	}
	req, err := p.newRequest(ctx, http.MethodGet, listing.Href, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("asset listing for %s failed: %w", item.ID, err)
	}
	defer resp.Body.Close()

	if err := p.checkStatus(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("asset listing for %s returned %d: %s", item.ID, resp.StatusCode, readErrorBody(resp))
	}

	var assets map[string]planetAsset
	if err := decodeJSON(resp, &assets); err != nil {
		return nil, err
	}
	asset, ok := assets[assetType]
	if !ok {
		return nil, &AssetUnavailableError{Provider: NamePlanetScope, ItemID: item.ID, AssetType: assetType, Reason: "not offered for item"}
	}
	return &asset, nil
}

// Activate requests preparation of an asset and returns its status.
func (p *PlanetScopeProvider) Activate(ctx context.Context, item CatalogItem, assetType string) (string, error) {
	asset, err := p.assetStatus(ctx, item, assetType)
	if err != nil {
		return "", err
	}
	if asset.Status != AssetStatusInactive {
		return asset.Status, nil
	}
	if asset.Links.Activate == "" {
		return "", &AssetUnavailableError{Provider: NamePlanetScope, ItemID: item.ID, AssetType: assetType, Reason: "cannot be activated"}
	}

	req, err := p.newRequest(ctx, http.MethodPost, asset.Links.Activate, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("activation of %s failed: %w", item.ID, err)
	}
	defer resp.Body.Close()

	if err := p.checkStatus(resp); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("activation of %s returned %d: %s", item.ID, resp.StatusCode, readErrorBody(resp))
	}
	slog.Info("Requested asset activation", "provider", NamePlanetScope, "item_id", item.ID, "asset_type", assetType)
	return AssetStatusActivating, nil
}

// AwaitActivation polls until the asset is active and returns the item with
// the download location recorded under assetType.
func (p *PlanetScopeProvider) AwaitActivation(ctx context.Context, item CatalogItem, assetType string, timeout, pollInterval time.Duration) (CatalogItem, error) {
	deadline := time.After(timeout)
	for {
		asset, err := p.assetStatus(ctx, item, assetType)
		if err != nil {
			return item, err
		}
		switch asset.Status {
		case AssetStatusActive:
			if asset.Location == "" {
				return item, fmt.Errorf("asset %s of %s is active without a location", assetType, item.ID)
			}
			out := item
			out.Assets = make(map[string]Asset, len(item.Assets)+1)
			for k, v := range item.Assets {
				out.Assets[k] = v
			}
			out.Assets[assetType] = Asset{Href: asset.Location}
			return out, nil
		case AssetStatusFailed:
			return item, &AssetUnavailableError{Provider: NamePlanetScope, ItemID: item.ID, AssetType: assetType, Reason: "activation failed"}
		}

		select {
		case <-ctx.Done():
			return item, ctx.Err()
		case <-deadline:
			return item, &ActivationTimeoutError{ItemID: item.ID, AssetType: assetType, Timeout: timeout}
		case <-time.After(pollInterval):
		}
	}
}

// prepare activates an asset and waits for its download location.
func (p *PlanetScopeProvider) prepare(ctx context.Context, item CatalogItem, assetType string) (string, error) {
	if _, err := p.Activate(ctx, item, assetType); err != nil {
		return "", err
	}
	ready, err := p.AwaitActivation(ctx, item, assetType, p.opts.ActivationTimeout, p.opts.ActivationInterval)
	if err != nil {
		return "", err
	}
	return ready.Assets[assetType].Href, nil
}

func (p *PlanetScopeProvider) fetchAsset(ctx context.Context, item CatalogItem, assetType string) (string, error) {
	location, err := p.prepare(ctx, item, assetType)
	if err != nil {
		return "", err
	}
	req, err := p.newRequest(ctx, http.MethodGet, location, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.downloadClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download of %s for %s failed: %w", assetType, item.ID, err)
	}
	defer resp.Body.Close()

	if err := p.checkStatus(resp); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &AssetUnavailableError{
			Provider:  NamePlanetScope,
			ItemID:    item.ID,
			AssetType: assetType,
			Reason:    fmt.Sprintf("download returned %d: %s", resp.StatusCode, readErrorBody(resp)),
		}
	}
	return downloadToFile(resp, p.opts.ScratchDir, "planetscope-*.tif")
}

// ============================================================================
// LOAD AND MASK
// ============================================================================

func (p *PlanetScopeProvider) Load(ctx context.Context, items []CatalogItem, bands []raster.Band, grid raster.Grid) (*raster.BandStack, error) {
	return loadEach(ctx, items, func(ctx context.Context, item CatalogItem) (*raster.BandStack, error) {
		return p.loadScene(ctx, item, bands, grid)
	})
}

func (p *PlanetScopeProvider) loadScene(ctx context.Context, item CatalogItem, bands []raster.Band, grid raster.Grid) (*raster.BandStack, error) {
	path, err := p.fetchAsset(ctx, item, AssetAnalyticSR)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	zero := 0.0
	data, err := p.reader.Read(ctx, imagery.Source{Path: path, NoData: &zero}, grid, raster.Bilinear)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", item.ID, err)
	}
	if len(data) < len(planetBandIndex) {
		return nil, fmt.Errorf("scene %s has %d bands, expected %d", item.ID, len(data), len(planetBandIndex))
	}

	stack := raster.NewBandStack(grid)
	for _, b := range bands {
		idx, ok := planetBandIndex[b]
		if !ok {
			slog.Warn("Band not offered by provider", "provider", NamePlanetScope, "band", b)
			continue
		}
		values := data[idx]
		scaleReflectance(values, planetScale)
		if err := stack.Set(b, values); err != nil {
			return nil, fmt.Errorf("failed to stack band %s: %w", b, err)
		}
	}
	if len(stack.Bands()) == 0 {
		return nil, fmt.Errorf("none of the requested bands are offered by %s", NamePlanetScope)
	}
	return stack, nil
}

// CloudMask reads the UDM2 asset of every item. A scene whose UDM2 cannot
// be prepared counts as clear and marks the result degraded; quota and
// authentication failures are returned.
func (p *PlanetScopeProvider) CloudMask(ctx context.Context, data *raster.BandStack, items []CatalogItem) (*cloudmask.Result, error) {
	if data == nil {
		return nil, errors.New("no data to mask")
	}

	scenes := make([]*cloudmask.UDM2, 0, len(items))
	for _, item := range items {
		udm, err := p.readUDM2(ctx, item, data.Grid)
		if err != nil {
			var quotaErr *QuotaExceededError
			var authErr *AuthenticationError
			if errors.As(err, &quotaErr) || errors.As(err, &authErr) {
				return nil, err
			}
			slog.Warn("Usable data mask unavailable, assuming clear",
				"provider", NamePlanetScope,
				"item_id", item.ID,
				"error", err)
		}
		scenes = append(scenes, udm)
	}

	res, err := cloudmask.FromUDM2(data, scenes)
	if err != nil {
		return nil, err
	}
	if res.Degraded {
		slog.Warn("Cloud mask degraded", "provider", NamePlanetScope, "reason", res.DegradedReason)
	}
	return res, nil
}

func (p *PlanetScopeProvider) readUDM2(ctx context.Context, item CatalogItem, grid raster.Grid) (*cloudmask.UDM2, error) {
	path, err := p.fetchAsset(ctx, item, AssetUDM2)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	data, err := p.reader.Read(ctx, imagery.Source{Path: path}, grid, raster.Nearest)
	if err != nil {
		return nil, fmt.Errorf("failed to read UDM2 of %s: %w", item.ID, err)
	}
	if len(data) < 6 {
		return nil, fmt.Errorf("UDM2 of %s has %d bands, expected 8", item.ID, len(data))
	}
	return &cloudmask.UDM2{Clear: data[0], Cloud: data[5]}, nil
}

func (p *PlanetScopeProvider) Metadata(item CatalogItem) SceneMetadata {
	return metadataFor(item, planetCollection)
}
