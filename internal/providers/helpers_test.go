package providers

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"ingestion-service/internal/imagery"
	"ingestion-service/internal/raster"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

// fakeReader records every dataset it is asked for and answers from bands.
type fakeReader struct {
	mu    sync.Mutex
	paths []string
	bands func(src imagery.Source, content string, grid raster.Grid) [][]float64
}

func (f *fakeReader) Read(_ context.Context, src imagery.Source, grid raster.Grid, _ raster.Resampling) ([][]float64, error) {
	f.mu.Lock()
	f.paths = append(f.paths, src.Path)
	f.mu.Unlock()

	// Local downloads are readable; remote and archive paths are not.
	content := ""
	if b, err := os.ReadFile(src.Path); err == nil {
		content = string(b)
	}
	return f.bands(src, content, grid), nil
}

func (f *fakeReader) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func createTestGrid() raster.Grid {
	return raster.Grid{
		Width:     2,
		Height:    2,
		Transform: raster.GeoTransform{500000, 10, 0, 5500020, 0, -10},
		EPSG:      32760,
	}
}

func createTestOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		MetadataTimeout:    5 * time.Second,
		DownloadTimeout:    5 * time.Second,
		ScratchDir:         t.TempDir(),
		UserAgent:          "ingestion-test",
		TokenRefreshSkew:   5 * time.Minute,
		TokenMaxRetries:    1,
		ActivationTimeout:  2 * time.Second,
		ActivationInterval: 5 * time.Millisecond,
	}
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "scratch files left behind")
}

func ptr(v float64) *float64 { return &v }
