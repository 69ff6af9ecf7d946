package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ingestion-service/internal/imagery"
	"ingestion-service/internal/raster"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// planetServer simulates the Data API: quick-search, asset listing,
// activation and download. Assets become active after activatePolls polls.
type planetServer struct {
	*httptest.Server
	mu            sync.Mutex
	searchCode    int
	listingCode   int
	withUDM2      bool
	neverActive   bool
	failActivate  bool
	activatePolls int
	polls         map[string]int
	activated     map[string]bool
}

func createPlanetServer(t *testing.T) *planetServer {
	t.Helper()
	s := &planetServer{
		searchCode:    http.StatusOK,
		listingCode:   http.StatusOK,
		withUDM2:      true,
		activatePolls: 2,
		polls:         map[string]int{},
		activated:     map[string]bool{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle(t)))
	t.Cleanup(s.Close)
	return s
}

func (s *planetServer) handle(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "api-key key", r.Header.Get("Authorization"))
		s.mu.Lock()
		defer s.mu.Unlock()

		switch {
		case r.URL.Path == "/data/v1/quick-search":
			assert.Equal(t, "acquired desc", r.URL.Query().Get("_sort"))
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, []any{"PSScene"}, body["item_types"])
			if s.searchCode != http.StatusOK {
				w.WriteHeader(s.searchCode)
				return
			}
			fmt.Fprintf(w, `{"features":[{"id":"s1","properties":{"acquired":"2025-01-05T10:00:00Z","cloud_cover":0.12},"_links":{"assets":"%s/assets/s1"}}]}`, s.URL)

		case r.URL.Path == "/assets/s1":
			if s.listingCode != http.StatusOK {
				w.WriteHeader(s.listingCode)
				return
			}
			listing := map[string]any{}
			types := []string{AssetAnalyticSR}
			if s.withUDM2 {
				types = append(types, AssetUDM2)
			}
			for _, at := range types {
				listing[at] = s.assetState(at)
			}
			_ = json.NewEncoder(w).Encode(listing)

		case strings.HasPrefix(r.URL.Path, "/activate/"):
			assert.Equal(t, http.MethodPost, r.Method)
			s.activated[strings.TrimPrefix(r.URL.Path, "/activate/")] = true
			w.WriteHeader(http.StatusAccepted)

		case strings.HasPrefix(r.URL.Path, "/download/"):
			_, _ = w.Write([]byte(strings.TrimPrefix(r.URL.Path, "/download/")))

		default:
			http.NotFound(w, r)
		}
	}
}

func (s *planetServer) assetState(assetType string) map[string]any {
	state := map[string]any{
		"_links": map[string]string{"activate": s.URL + "/activate/" + assetType},
	}
	if !s.activated[assetType] {
		state["status"] = AssetStatusInactive
		return state
	}
	s.polls[assetType]++
	if s.failActivate {
		state["status"] = AssetStatusFailed
		return state
	}
	if s.neverActive || s.polls[assetType] < s.activatePolls {
		state["status"] = AssetStatusActivating
		return state
	}
	state["status"] = AssetStatusActive
	state["location"] = s.URL + "/download/" + assetType
	return state
}

// planetBandsReader serves the analytic and UDM2 downloads by content.
func planetBandsReader() *fakeReader {
	return &fakeReader{bands: func(_ imagery.Source, content string, g raster.Grid) [][]float64 {
		if content == AssetUDM2 {
			return [][]float64{
				{1, 1, 0, 1}, {0, 0, 0, 0}, {0, 0, 0, 0}, {0, 0, 0, 0},
				{0, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 0, 0}, {0, 0, 0, 0},
			}
		}
		return [][]float64{
			filled(g.Size(), 1000),
			filled(g.Size(), 2000),
			filled(g.Size(), 3000),
			filled(g.Size(), 6000),
		}
	}}
}

func createTestPlanetProvider(t *testing.T, s *planetServer, reader *fakeReader) (*PlanetScopeProvider, Options) {
	t.Helper()
	opts := createTestOptions(t)
	return NewPlanetScopeProvider("key", s.URL+"/data/v1/", reader, opts), opts
}

// ============================================================================
// TEST SUITE 1: QUICK SEARCH
// ============================================================================

func TestPlanetScope_Query(t *testing.T) {
	s := createPlanetServer(t)
	p, _ := createTestPlanetProvider(t, s, planetBandsReader())

	items, err := p.Query(context.Background(), testBBox, testStart, testEnd, 20)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "s1", items[0].ID)
	assert.InDelta(t, 12.0, *items[0].CloudCover, 1e-9)
	assert.Equal(t, s.URL+"/assets/s1", items[0].Assets[planetAssetsLinkKey].Href)
	assert.Equal(t, 3.0, p.ResolutionMeters())
	assert.False(t, p.BandNames().Supports(raster.BandSWIR))
}

func TestPlanetScope_SearchFilter(t *testing.T) {
	f := searchFilter(testBBox, testStart, testEnd, 20)
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	text := string(raw)

	assert.Contains(t, text, `"type":"AndFilter"`)
	assert.Contains(t, text, `"type":"GeometryFilter"`)
	assert.Contains(t, text, `"gte":"2025-01-01T00:00:00Z"`)
	assert.Contains(t, text, `"lte":"2025-01-21T23:59:59Z"`)
	assert.Contains(t, text, `"field_name":"cloud_cover","config":{"lte":0.2}`)
	assert.Contains(t, text, AssetAnalyticSR)
}

func TestPlanetScope_QueryErrors(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusForbidden} {
		s := createPlanetServer(t)
		s.searchCode = code
		p, _ := createTestPlanetProvider(t, s, planetBandsReader())

		_, err := p.Query(context.Background(), testBBox, testStart, testEnd, 20)
		var quotaErr *QuotaExceededError
		require.True(t, errors.As(err, &quotaErr), "status %d", code)
		assert.Equal(t, NamePlanetScope, quotaErr.Provider)
	}

	s := createPlanetServer(t)
	s.searchCode = http.StatusInternalServerError
	p, _ := createTestPlanetProvider(t, s, planetBandsReader())
	_, err := p.Query(context.Background(), testBBox, testStart, testEnd, 20)
	var catalogErr *CatalogQueryError
	assert.True(t, errors.As(err, &catalogErr))

	noKey := NewPlanetScopeProvider("", s.URL, planetBandsReader(), createTestOptions(t))
	_, err = noKey.Query(context.Background(), testBBox, testStart, testEnd, 20)
	var authErr *AuthenticationError
	assert.True(t, errors.As(err, &authErr))
}

// ============================================================================
// TEST SUITE 2: ACTIVATION
// ============================================================================

func TestPlanetScope_ActivateAndAwait(t *testing.T) {
	s := createPlanetServer(t)
	s.activatePolls = 3
	p, _ := createTestPlanetProvider(t, s, planetBandsReader())
	items, err := p.Query(context.Background(), testBBox, testStart, testEnd, 20)
	require.NoError(t, err)

	status, err := p.Activate(context.Background(), items[0], AssetAnalyticSR)
	require.NoError(t, err)
	assert.Equal(t, AssetStatusActivating, status)

	ready, err := p.AwaitActivation(context.Background(), items[0], AssetAnalyticSR, time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, s.URL+"/download/"+AssetAnalyticSR, ready.Assets[AssetAnalyticSR].Href)
	assert.NotContains(t, items[0].Assets, AssetAnalyticSR, "input item must not be modified")
}

func TestPlanetScope_AwaitActivationTimeout(t *testing.T) {
	s := createPlanetServer(t)
	s.neverActive = true
	p, _ := createTestPlanetProvider(t, s, planetBandsReader())
	items, err := p.Query(context.Background(), testBBox, testStart, testEnd, 20)
	require.NoError(t, err)

	_, err = p.Activate(context.Background(), items[0], AssetAnalyticSR)
	require.NoError(t, err)

	_, err = p.AwaitActivation(context.Background(), items[0], AssetAnalyticSR, 30*time.Millisecond, 5*time.Millisecond)
	var timeoutErr *ActivationTimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, "s1", timeoutErr.ItemID)
	assert.Equal(t, AssetAnalyticSR, timeoutErr.AssetType)
	assert.Equal(t, 30*time.Millisecond, timeoutErr.Timeout)
}

func TestPlanetScope_FailedActivationIsSceneLevel(t *testing.T) {
	s := createPlanetServer(t)
	s.failActivate = true
	p, _ := createTestPlanetProvider(t, s, planetBandsReader())
	items, err := p.Query(context.Background(), testBBox, testStart, testEnd, 20)
	require.NoError(t, err)

	_, err = p.Load(context.Background(), items, []raster.Band{raster.BandNIR, raster.BandRed}, createTestGrid())
	var assetErr *AssetUnavailableError
	require.True(t, errors.As(err, &assetErr))
	assert.Equal(t, "s1", assetErr.ItemID)
	assert.Equal(t, AssetAnalyticSR, assetErr.AssetType)
	assert.ErrorIs(t, err, ErrAssetUnavailable)

	var quotaErr *QuotaExceededError
	assert.False(t, errors.As(err, &quotaErr))
}

// ============================================================================
// TEST SUITE 3: LOAD AND MASK
// ============================================================================

func TestPlanetScope_LoadAndUDM2Mask(t *testing.T) {
	s := createPlanetServer(t)
	reader := planetBandsReader()
	p, opts := createTestPlanetProvider(t, s, reader)
	items, err := p.Query(context.Background(), testBBox, testStart, testEnd, 20)
	require.NoError(t, err)

	grid := createTestGrid()
	stack, err := p.Load(context.Background(), items, []raster.Band{raster.BandNIR, raster.BandRed, raster.BandBlue, raster.BandSWIR}, grid)
	require.NoError(t, err)

	nir, _ := stack.Band(raster.BandNIR)
	red, _ := stack.Band(raster.BandRed)
	blue, _ := stack.Band(raster.BandBlue)
	assert.InDelta(t, 0.6, nir[0], 1e-12)
	assert.InDelta(t, 0.3, red[0], 1e-12)
	assert.InDelta(t, 0.1, blue[0], 1e-12)
	assert.False(t, stack.Has(raster.BandSWIR))

	res, err := p.CloudMask(context.Background(), stack, items)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, []bool{false, true, true, false}, res.Mask.Cloudy)
	assert.Equal(t, 0.5, res.CloudFreeFraction)
	requireEmptyDir(t, opts.ScratchDir)
}

func TestPlanetScope_MissingUDM2IsDegraded(t *testing.T) {
	s := createPlanetServer(t)
	s.withUDM2 = false
	p, _ := createTestPlanetProvider(t, s, planetBandsReader())
	items, err := p.Query(context.Background(), testBBox, testStart, testEnd, 20)
	require.NoError(t, err)

	stack, err := p.Load(context.Background(), items, []raster.Band{raster.BandNIR, raster.BandRed}, createTestGrid())
	require.NoError(t, err)

	res, err := p.CloudMask(context.Background(), stack, items)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, 1.0, res.CloudFreeFraction)
}

func TestPlanetScope_QuotaDuringLoad(t *testing.T) {
	s := createPlanetServer(t)
	p, _ := createTestPlanetProvider(t, s, planetBandsReader())
	items, err := p.Query(context.Background(), testBBox, testStart, testEnd, 20)
	require.NoError(t, err)

	s.mu.Lock()
	s.listingCode = http.StatusTooManyRequests
	s.mu.Unlock()

	_, err = p.Load(context.Background(), items, []raster.Band{raster.BandNIR}, createTestGrid())
	var quotaErr *QuotaExceededError
	assert.True(t, errors.As(err, &quotaErr))
}
