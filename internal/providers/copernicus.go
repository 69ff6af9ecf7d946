package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"ingestion-service/internal/cloudmask"
	"ingestion-service/internal/config"
	"ingestion-service/internal/geo"
	"ingestion-service/internal/imagery"
	"ingestion-service/internal/raster"
)

// CopernicusProvider serves Sentinel-2 L2A from the Copernicus Data Space
// OData catalog. Products are downloaded as zipped SAFE archives.
type CopernicusProvider struct {
	cfg            config.CopernicusConfig
	client         *http.Client
	downloadClient *http.Client
	reader         imagery.Reader
	tokens         *TokenCache
	opts           Options
}

func NewCopernicusProvider(cfg config.CopernicusConfig, reader imagery.Reader, opts Options) *CopernicusProvider {
	opts = opts.withDefaults()
	p := &CopernicusProvider{
		cfg:            cfg,
		client:         &http.Client{Timeout: opts.MetadataTimeout},
		downloadClient: &http.Client{Timeout: opts.DownloadTimeout},
		reader:         reader,
		opts:           opts,
	}
	p.tokens = NewTokenCache(NameCopernicus, p.fetchToken, opts.TokenRefreshSkew, opts.TokenMaxRetries)
	return p
}

func (p *CopernicusProvider) Name() string              { return NameCopernicus }
func (p *CopernicusProvider) ResolutionMeters() float64 { return sentinel2Resolution }
func (p *CopernicusProvider) BandNames() BandNames      { return sentinel2Bands }

type copernicusTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (p *CopernicusProvider) fetchToken(ctx context.Context) (Token, error) {
	if !p.cfg.HasCredentials() {
		return Token{}, &AuthenticationError{Provider: NameCopernicus, Message: "client id and secret are not configured"}
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {p.cfg.ClientID},
		"client_secret": {p.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", p.opts.UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return Token{}, &AuthenticationError{
			Provider: NameCopernicus,
			Message:  fmt.Sprintf("token endpoint rejected credentials (%d): %s", resp.StatusCode, readErrorBody(resp)),
		}
	case resp.StatusCode != http.StatusOK:
		return Token{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, readErrorBody(resp))
	}

	var body copernicusTokenResponse
	if err := decodeJSON(resp, &body); err != nil {
		return Token{}, err
	}
	if body.AccessToken == "" {
		return Token{}, &AuthenticationError{Provider: NameCopernicus, Message: "token endpoint returned no access token"}
	}
	return Token{
		Value:     body.AccessToken,
		ExpiresAt: TokenExpiry(body.AccessToken, body.ExpiresIn, time.Now()),
	}, nil
}

// ============================================================================
// CATALOG
// ============================================================================

type odataAttribute struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

type odataProduct struct {
	ID          string `json:"Id"`
	Name        string `json:"Name"`
	ContentDate struct {
		Start string `json:"Start"`
	} `json:"ContentDate"`
	Attributes []odataAttribute `json:"Attributes"`
}

type odataResponse struct {
	Value []odataProduct `json:"value"`
}

// CatalogFilter builds the OData $filter for Sentinel-2 L2A products
// intersecting bbox inside [start, end] with cloud cover below the limit.
func CatalogFilter(bbox geo.BBox, start, end time.Time, maxCloudCover float64) (string, error) {
	footprint, err := bbox.WKT()
	if err != nil {
		return "", err
	}
	parts := []string{
		"Collection/Name eq 'SENTINEL-2'",
		"Attributes/OData.CSC.StringAttribute/any(att:att/Name eq 'productType' and att/OData.CSC.StringAttribute/Value eq 'S2MSI2A')",
		"ContentDate/Start gt " + start.UTC().Format("2006-01-02") + "T00:00:00.000Z",
		"ContentDate/Start lt " + end.UTC().Format("2006-01-02") + "T23:59:59.999Z",
		"OData.CSC.Intersects(area=geography'SRID=4326;" + footprint + "')",
		"Attributes/OData.CSC.DoubleAttribute/any(att:att/Name eq 'cloudCover' and att/OData.CSC.DoubleAttribute/Value lt " +
			strconv.FormatFloat(maxCloudCover, 'f', -1, 64) + ")",
	}
	return strings.Join(parts, " and "), nil
}

func (p *CopernicusProvider) Query(ctx context.Context, bbox geo.BBox, start, end time.Time, maxCloudCover float64) ([]CatalogItem, error) {
	token, err := p.tokens.Get(ctx)
	if err != nil {
		return nil, err
	}

	filter, err := CatalogFilter(bbox, start, end, maxCloudCover)
	if err != nil {
		return nil, &CatalogQueryError{Provider: NameCopernicus, Message: "invalid search area", Err: err}
	}
	params := url.Values{
		"$filter":  {filter},
		"$orderby": {"ContentDate/Start desc"},
		"$top":     {"100"},
		"$expand":  {"Attributes"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.CatalogURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &CatalogQueryError{Provider: NameCopernicus, Message: "failed to build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", p.opts.UserAgent)

	slog.Info("Querying Copernicus catalog",
		"start", start.Format("2006-01-02"),
		"end", end.Format("2006-01-02"),
		"max_cloud_cover", maxCloudCover)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &CatalogQueryError{Provider: NameCopernicus, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if err := p.checkStatus(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &CatalogQueryError{Provider: NameCopernicus, StatusCode: resp.StatusCode, Message: readErrorBody(resp)}
	}

	var body odataResponse
	if err := decodeJSON(resp, &body); err != nil {
		return nil, &CatalogQueryError{Provider: NameCopernicus, Message: "malformed catalog response", Err: err}
	}

	items := make([]CatalogItem, 0, len(body.Value))
	for _, product := range body.Value {
		item := CatalogItem{
			ID:       product.ID,
			Name:     product.Name,
			Provider: NameCopernicus,
			Assets: map[string]Asset{
				"download": {Href: fmt.Sprintf("%s(%s)/$value", p.cfg.DownloadURL, product.ID), Type: "application/zip"},
			},
		}
		if t, err := time.Parse(time.RFC3339Nano, product.ContentDate.Start); err == nil {
			item.Datetime = t
		}
		for _, attr := range product.Attributes {
			if attr.Name != "cloudCover" {
				continue
			}
			if v, ok := attr.Value.(float64); ok {
				item.CloudCover = &v
			}
			break
		}
		items = append(items, item)
	}

	slog.Info("Copernicus catalog returned products", "count", len(items))
	return items, nil
}

// checkStatus maps auth and quota statuses to typed errors. A rejected
// bearer token also drops the cached one.
func (p *CopernicusProvider) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		p.tokens.Invalidate()
		return &AuthenticationError{Provider: NameCopernicus, Message: "access token rejected: " + readErrorBody(resp)}
	case isQuotaStatus(resp.StatusCode):
		return &QuotaExceededError{Provider: NameCopernicus, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, readErrorBody(resp))}
	}
	return nil
}

// ============================================================================
// LOAD AND MASK
// ============================================================================

func (p *CopernicusProvider) Load(ctx context.Context, items []CatalogItem, bands []raster.Band, grid raster.Grid) (*raster.BandStack, error) {
	return loadEach(ctx, items, func(ctx context.Context, item CatalogItem) (*raster.BandStack, error) {
		return p.loadProduct(ctx, item, bands, grid)
	})
}

func (p *CopernicusProvider) loadProduct(ctx context.Context, item CatalogItem, bands []raster.Band, grid raster.Grid) (*raster.BandStack, error) {
	asset, ok := item.Assets["download"]
	if !ok || asset.Href == "" {
		return nil, &AssetUnavailableError{Provider: NameCopernicus, ItemID: item.ID, Reason: "no download link"}
	}

	zipPath, err := p.download(ctx, item, asset.Href)
	if err != nil {
		return nil, err
	}
	defer os.Remove(zipPath)

	paths, err := imagery.FindSAFEBands(zipPath, sentinel2BandIDs(bands))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("product %s contains none of the requested bands", item.ID)
	}
	return readSentinel2Bands(ctx, p.reader, NameCopernicus, item.ID, paths, bands, grid)
}

func (p *CopernicusProvider) download(ctx context.Context, item CatalogItem, href string) (string, error) {
	token, err := p.tokens.Get(ctx)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", p.opts.UserAgent)

	slog.Info("Downloading Copernicus product", "item_id", item.ID, "name", item.Name)
	resp, err := p.downloadClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download of %s failed: %w", item.ID, err)
	}
	defer resp.Body.Close()

	if err := p.checkStatus(resp); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &AssetUnavailableError{
			Provider: NameCopernicus,
			ItemID:   item.ID,
			Reason:   fmt.Sprintf("download returned %d: %s", resp.StatusCode, readErrorBody(resp)),
		}
	}
	return downloadToFile(resp, p.opts.ScratchDir, "copernicus-*.zip")
}

func (p *CopernicusProvider) CloudMask(_ context.Context, data *raster.BandStack, items []CatalogItem) (*cloudmask.Result, error) {
	if data == nil {
		return nil, errors.New("no data to mask")
	}
	return sentinel2CloudMask(NameCopernicus, data, items)
}

func (p *CopernicusProvider) Metadata(item CatalogItem) SceneMetadata {
	return metadataFor(item, sentinel2Collection)
}
