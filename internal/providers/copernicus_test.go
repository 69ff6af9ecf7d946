package providers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ingestion-service/internal/config"
	"ingestion-service/internal/geo"
	"ingestion-service/internal/imagery"
	"ingestion-service/internal/raster"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testBBox  = geo.BBox{MinLon: 175.60, MinLat: -40.36, MaxLon: 175.62, MaxLat: -40.35}
	testStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	testEnd   = time.Date(2025, 1, 21, 0, 0, 0, 0, time.UTC)
)

const catalogResponse = `{"value":[{
	"Id":"p1",
	"Name":"S2A_MSIL2A_20250105T221941",
	"ContentDate":{"Start":"2025-01-05T22:19:41.024Z"},
	"Attributes":[{"Name":"productType","Value":"S2MSI2A"},{"Name":"cloudCover","Value":12.5}]
}]}`

type copernicusServer struct {
	*httptest.Server
	tokenCalls   atomic.Int32
	catalogCalls atomic.Int32
	lastFilter   atomic.Value
	catalogCode  int
	product      []byte
}

func createCopernicusServer(t *testing.T, catalogCode int, product []byte) *copernicusServer {
	t.Helper()
	s := &copernicusServer{catalogCode: catalogCode, product: product}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token":
			s.tokenCalls.Add(1)
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
			if r.PostForm.Get("client_secret") != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":600}`))
		case r.URL.Path == "/odata/Products":
			s.catalogCalls.Add(1)
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			s.lastFilter.Store(r.URL.Query())
			if s.catalogCode != http.StatusOK {
				w.WriteHeader(s.catalogCode)
				_, _ = w.Write([]byte("unavailable"))
				return
			}
			_, _ = w.Write([]byte(catalogResponse))
		case strings.HasPrefix(r.URL.Path, "/zipper/Products("):
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			_, _ = w.Write(s.product)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *copernicusServer) config(secret string) config.CopernicusConfig {
	return config.CopernicusConfig{
		ClientID:     "id",
		ClientSecret: secret,
		TokenURL:     s.URL + "/token",
		CatalogURL:   s.URL + "/odata/Products",
		DownloadURL:  s.URL + "/zipper/Products",
	}
}

func createTestProduct(t *testing.T) []byte {
	t.Helper()
	prefix := "S2A_MSIL2A_20250105T221941.SAFE/GRANULE/L2A_T60HUD/IMG_DATA/"
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range []string{
		prefix + "R10m/T60HUD_20250105T221941_B04_10m.jp2",
		prefix + "R10m/T60HUD_20250105T221941_B08_10m.jp2",
		prefix + "R20m/T60HUD_20250105T221941_SCL_20m.jp2",
	} {
		w, err := zw.Create(m)
		require.NoError(t, err)
		_, err = w.Write([]byte("jp2"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// ============================================================================
// TEST SUITE 1: CATALOG QUERY
// ============================================================================

func TestCopernicus_Query(t *testing.T) {
	srv := createCopernicusServer(t, http.StatusOK, nil)
	p := NewCopernicusProvider(srv.config("secret"), &fakeReader{}, createTestOptions(t))

	items, err := p.Query(context.Background(), testBBox, testStart, testEnd, 50)
	require.NoError(t, err)
	require.Len(t, items, 1)

	item := items[0]
	assert.Equal(t, "p1", item.ID)
	assert.Equal(t, NameCopernicus, item.Provider)
	require.NotNil(t, item.CloudCover)
	assert.Equal(t, 12.5, *item.CloudCover)
	assert.Equal(t, 2025, item.Datetime.Year())
	assert.Equal(t, srv.URL+"/zipper/Products(p1)/$value", item.Assets["download"].Href)

	params := srv.lastFilter.Load().(url.Values)
	filter := params.Get("$filter")
	assert.Contains(t, filter, "Collection/Name eq 'SENTINEL-2'")
	assert.Contains(t, filter, "att/OData.CSC.StringAttribute/Value eq 'S2MSI2A'")
	assert.Contains(t, filter, "ContentDate/Start gt 2025-01-01T00:00:00.000Z")
	assert.Contains(t, filter, "ContentDate/Start lt 2025-01-21T23:59:59.999Z")
	assert.Contains(t, filter, "OData.CSC.Intersects(area=geography'SRID=4326;POLYGON")
	assert.Contains(t, filter, "Value lt 50)")
	assert.Equal(t, "ContentDate/Start desc", params.Get("$orderby"))
	assert.Equal(t, "100", params.Get("$top"))

	md := p.Metadata(item)
	assert.Equal(t, "2025-01-05", md.Date)
	assert.Equal(t, "SENTINEL-2", md.Collection)

	_, err = p.Query(context.Background(), testBBox, testStart, testEnd, 50)
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.tokenCalls.Load(), "token should be cached")
}

func TestCopernicus_QueryErrors(t *testing.T) {
	t.Run("non-2xx is a catalog error", func(t *testing.T) {
		srv := createCopernicusServer(t, http.StatusServiceUnavailable, nil)
		p := NewCopernicusProvider(srv.config("secret"), &fakeReader{}, createTestOptions(t))

		_, err := p.Query(context.Background(), testBBox, testStart, testEnd, 50)
		var catalogErr *CatalogQueryError
		require.True(t, errors.As(err, &catalogErr))
		assert.Equal(t, http.StatusServiceUnavailable, catalogErr.StatusCode)
	})

	t.Run("rate limit is a quota error", func(t *testing.T) {
		srv := createCopernicusServer(t, http.StatusTooManyRequests, nil)
		p := NewCopernicusProvider(srv.config("secret"), &fakeReader{}, createTestOptions(t))

		_, err := p.Query(context.Background(), testBBox, testStart, testEnd, 50)
		var quotaErr *QuotaExceededError
		require.True(t, errors.As(err, &quotaErr))
		assert.Equal(t, NameCopernicus, quotaErr.Provider)
	})

	t.Run("rejected credentials", func(t *testing.T) {
		srv := createCopernicusServer(t, http.StatusOK, nil)
		opts := createTestOptions(t)
		opts.TokenMaxRetries = 3
		p := NewCopernicusProvider(srv.config("wrong"), &fakeReader{}, opts)

		_, err := p.Query(context.Background(), testBBox, testStart, testEnd, 50)
		var authErr *AuthenticationError
		require.True(t, errors.As(err, &authErr))
		assert.Equal(t, int32(1), srv.tokenCalls.Load())
		assert.Zero(t, srv.catalogCalls.Load())
	})

	t.Run("missing credentials", func(t *testing.T) {
		srv := createCopernicusServer(t, http.StatusOK, nil)
		cfg := srv.config("")
		p := NewCopernicusProvider(cfg, &fakeReader{}, createTestOptions(t))

		_, err := p.Query(context.Background(), testBBox, testStart, testEnd, 50)
		var authErr *AuthenticationError
		require.True(t, errors.As(err, &authErr))
		assert.Zero(t, srv.tokenCalls.Load())
	})
}

// ============================================================================
// TEST SUITE 2: LOAD AND MASK
// ============================================================================

func TestCopernicus_LoadScalesAndKeepsClassCodes(t *testing.T) {
	srv := createCopernicusServer(t, http.StatusOK, createTestProduct(t))
	reader := &fakeReader{bands: func(src imagery.Source, _ string, g raster.Grid) [][]float64 {
		switch {
		case strings.Contains(src.Path, "_SCL_"):
			return [][]float64{{8, 4, 4, 4}}
		case strings.Contains(src.Path, "_B08_"):
			return [][]float64{filled(g.Size(), 6000)}
		default:
			return [][]float64{filled(g.Size(), 3000)}
		}
	}}
	opts := createTestOptions(t)
	p := NewCopernicusProvider(srv.config("secret"), reader, opts)

	items, err := p.Query(context.Background(), testBBox, testStart, testEnd, 50)
	require.NoError(t, err)

	grid := createTestGrid()
	stack, err := p.Load(context.Background(), items, []raster.Band{raster.BandNIR, raster.BandRed, raster.BandBlue, raster.BandSCL}, grid)
	require.NoError(t, err)

	nir, ok := stack.Band(raster.BandNIR)
	require.True(t, ok)
	assert.InDelta(t, 0.6, nir[0], 1e-12)
	red, _ := stack.Band(raster.BandRed)
	assert.InDelta(t, 0.3, red[3], 1e-12)
	scl, _ := stack.Band(raster.BandSCL)
	assert.Equal(t, []float64{8, 4, 4, 4}, scl)
	assert.False(t, stack.Has(raster.BandBlue), "B02 is not in the product")

	for _, path := range reader.Paths() {
		assert.True(t, strings.HasPrefix(path, "/vsizip/"), path)
	}
	requireEmptyDir(t, opts.ScratchDir)

	res, err := p.CloudMask(context.Background(), stack, items)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, 0.75, res.CloudFreeFraction)
	masked, _ := res.Data.Band(raster.BandNIR)
	assert.True(t, raster.IsNoData(masked[0]))
}

func TestCopernicus_CloudMaskFallsBackToSceneCover(t *testing.T) {
	p := NewCopernicusProvider(config.CopernicusConfig{}, &fakeReader{}, createTestOptions(t))
	stack := raster.NewBandStack(createTestGrid())
	require.NoError(t, stack.Set(raster.BandNIR, filled(4, 0.5)))

	res, err := p.CloudMask(context.Background(), stack, []CatalogItem{{ID: "a", CloudCover: ptr(10)}, {ID: "b", CloudCover: ptr(30)}})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.InDelta(t, 0.8, res.CloudFreeFraction, 1e-12)
	for _, cloudy := range res.Mask.Cloudy {
		assert.False(t, cloudy)
	}
}
