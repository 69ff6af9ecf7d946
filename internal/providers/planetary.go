package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ingestion-service/internal/cloudmask"
	"ingestion-service/internal/config"
	"ingestion-service/internal/geo"
	"ingestion-service/internal/imagery"
	"ingestion-service/internal/raster"
)

const planetaryCollection = "sentinel-2-l2a"

// PlanetaryComputerProvider serves Sentinel-2 L2A from the Planetary
// Computer STAC API. Assets are cloud-optimised GeoTIFFs read over HTTP with
// a shared access signature appended.
type PlanetaryComputerProvider struct {
	cfg    config.PlanetaryComputerConfig
	client *http.Client
	reader imagery.Reader
	sas    *TokenCache
	opts   Options
}

func NewPlanetaryComputerProvider(cfg config.PlanetaryComputerConfig, reader imagery.Reader, opts Options) *PlanetaryComputerProvider {
	opts = opts.withDefaults()
	p := &PlanetaryComputerProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: opts.MetadataTimeout},
		reader: reader,
		opts:   opts,
	}
	p.sas = NewTokenCache(NamePlanetaryComputer, p.fetchSASToken, opts.TokenRefreshSkew, opts.TokenMaxRetries)
	return p
}

func (p *PlanetaryComputerProvider) Name() string              { return NamePlanetaryComputer }
func (p *PlanetaryComputerProvider) ResolutionMeters() float64 { return sentinel2Resolution }
func (p *PlanetaryComputerProvider) BandNames() BandNames      { return sentinel2Bands }

type sasTokenResponse struct {
	Expiry string `json:"msft:expiry"`
	Token  string `json:"token"`
}

func (p *PlanetaryComputerProvider) fetchSASToken(ctx context.Context) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(p.cfg.SASTokenURL, "/")+"/"+planetaryCollection, nil)
	if err != nil {
		return Token{}, fmt.Errorf("failed to build SAS token request: %w", err)
	}
	req.Header.Set("User-Agent", p.opts.UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("SAS token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Token{}, &AuthenticationError{Provider: NamePlanetaryComputer, Message: "SAS token request denied: " + readErrorBody(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("SAS token endpoint returned %d: %s", resp.StatusCode, readErrorBody(resp))
	}

	var body sasTokenResponse
	if err := decodeJSON(resp, &body); err != nil {
		return Token{}, err
	}
	if body.Token == "" {
		return Token{}, errors.New("SAS token endpoint returned an empty token")
	}
	expiry, err := time.Parse(time.RFC3339, body.Expiry)
	if err != nil {
		expiry = time.Now().Add(DefaultTokenLifetime)
	}
	return Token{Value: body.Token, ExpiresAt: expiry}, nil
}

// ============================================================================
// STAC SEARCH
// ============================================================================

type stacSearchRequest struct {
	Collections []string                      `json:"collections"`
	BBox        []float64                     `json:"bbox"`
	Datetime    string                        `json:"datetime"`
	Query       map[string]map[string]float64 `json:"query"`
	Limit       int                           `json:"limit"`
	SortBy      []stacSort                    `json:"sortby"`
}

type stacSort struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

type stacItem struct {
	ID         string `json:"id"`
	Properties struct {
		Datetime   time.Time `json:"datetime"`
		CloudCover *float64  `json:"eo:cloud_cover"`
	} `json:"properties"`
	Assets map[string]Asset `json:"assets"`
}

type stacItemCollection struct {
	Features []stacItem `json:"features"`
}

func (p *PlanetaryComputerProvider) Query(ctx context.Context, bbox geo.BBox, start, end time.Time, maxCloudCover float64) ([]CatalogItem, error) {
	search := stacSearchRequest{
		Collections: []string{planetaryCollection},
		BBox:        bbox.Slice(),
		Datetime:    start.UTC().Format("2006-01-02") + "T00:00:00Z/" + end.UTC().Format("2006-01-02") + "T23:59:59Z",
		Query:       map[string]map[string]float64{"eo:cloud_cover": {"lte": maxCloudCover}},
		Limit:       100,
		SortBy:      []stacSort{{Field: "properties.datetime", Direction: "desc"}},
	}
	payload, err := json.Marshal(search)
	if err != nil {
		return nil, &CatalogQueryError{Provider: NamePlanetaryComputer, Message: "failed to encode search", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(p.cfg.STACURL, "/")+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, &CatalogQueryError{Provider: NamePlanetaryComputer, Message: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", p.opts.UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &CatalogQueryError{Provider: NamePlanetaryComputer, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &QuotaExceededError{Provider: NamePlanetaryComputer, Message: readErrorBody(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &CatalogQueryError{Provider: NamePlanetaryComputer, StatusCode: resp.StatusCode, Message: readErrorBody(resp)}
	}

	var body stacItemCollection
	if err := decodeJSON(resp, &body); err != nil {
		return nil, &CatalogQueryError{Provider: NamePlanetaryComputer, Message: "malformed search response", Err: err}
	}

	items := make([]CatalogItem, 0, len(body.Features))
	for _, f := range body.Features {
		items = append(items, CatalogItem{
			ID:         f.ID,
			Name:       f.ID,
			Provider:   NamePlanetaryComputer,
			Datetime:   f.Properties.Datetime,
			CloudCover: f.Properties.CloudCover,
			Assets:     f.Assets,
		})
	}
	slog.Info("Planetary Computer search returned items", "count", len(items))
	return items, nil
}

// ============================================================================
// LOAD AND MASK
// ============================================================================

func (p *PlanetaryComputerProvider) Load(ctx context.Context, items []CatalogItem, bands []raster.Band, grid raster.Grid) (*raster.BandStack, error) {
	token, err := p.sas.Get(ctx)
	if err != nil {
		return nil, err
	}
	return loadEach(ctx, items, func(ctx context.Context, item CatalogItem) (*raster.BandStack, error) {
		paths := make(map[string]string)
		for _, id := range sentinel2BandIDs(bands) {
			if asset, ok := item.Assets[id]; ok && asset.Href != "" {
				paths[id] = imagery.VSICurlPath(SignHref(asset.Href, token))
			}
		}
		if len(paths) == 0 {
			return nil, &AssetUnavailableError{Provider: NamePlanetaryComputer, ItemID: item.ID, Reason: "none of the requested assets"}
		}
		return readSentinel2Bands(ctx, p.reader, NamePlanetaryComputer, item.ID, paths, bands, grid)
	})
}

// SignHref appends a SAS token to an asset URL.
func SignHref(href, token string) string {
	sep := "?"
	if strings.Contains(href, "?") {
		sep = "&"
	}
	return href + sep + token
}

func (p *PlanetaryComputerProvider) CloudMask(_ context.Context, data *raster.BandStack, items []CatalogItem) (*cloudmask.Result, error) {
	if data == nil {
		return nil, errors.New("no data to mask")
	}
	return sentinel2CloudMask(NamePlanetaryComputer, data, items)
}

func (p *PlanetaryComputerProvider) Metadata(item CatalogItem) SceneMetadata {
	return metadataFor(item, sentinel2Collection)
}
