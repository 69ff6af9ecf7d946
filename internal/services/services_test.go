package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ingestion-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

type memoryObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryObjectStore() *memoryObjectStore {
	return &memoryObjectStore{objects: map[string][]byte{}}
}

func (m *memoryObjectStore) UploadBytes(_ context.Context, bucket, name string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+name] = data
	return nil
}

func (m *memoryObjectStore) DownloadBytes(_ context.Context, bucket, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+name]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

func (m *memoryObjectStore) ListKeys(_ context.Context, bucket, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		name := strings.TrimPrefix(k, bucket+"/")
		if name != k && strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	return keys, nil
}

type fakeFarmStore struct {
	farms    map[string]*models.FarmConfig
	statuses []models.FarmImageryStatus
	cutoff   time.Time
	updates  map[string]*time.Time
}

func (f *fakeFarmStore) GetFarmConfig(_ context.Context, id string) (*models.FarmConfig, error) {
	farm, ok := f.farms[id]
	if !ok {
		return nil, errors.New("farm not found")
	}
	return farm, nil
}

func (f *fakeFarmStore) ListFarmsNeedingImageryCheck(_ context.Context, checkedBefore time.Time) ([]models.FarmImageryStatus, error) {
	f.cutoff = checkedBefore
	return f.statuses, nil
}

func (f *fakeFarmStore) UpdateImageryCheck(_ context.Context, id string, _ time.Time, latest *time.Time) error {
	f.updates[id] = latest
	return nil
}

type fakeJobCreator struct {
	farms []string
}

func (f *fakeJobCreator) CreateJob(_ context.Context, farmID string, trigger models.JobTrigger) (*models.IngestionJob, bool, error) {
	f.farms = append(f.farms, farmID)
	return &models.IngestionJob{ID: uuid.New(), FarmExternalID: farmID, TriggeredBy: trigger}, true, nil
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ============================================================================
// TEST SUITE 1: RUN REPORT ARCHIVE
// ============================================================================

func TestRunReportArchive_SaveAndGet(t *testing.T) {
	store := newMemoryObjectStore()
	archive := NewRunReportArchive(store, "reports")
	result := &RunResult{
		RunID:           uuid.New(),
		FarmExternalID:  "farm-1",
		ObservationDate: day(2025, 1, 14),
		SourceProvider:  "copernicus",
		Providers:       []ProviderOutcome{{Provider: "copernicus", Status: ProviderStatusOK, ScenesUsed: 2}},
		ValidCount:      3,
	}

	key, err := archive.Save(context.Background(), result)
	require.NoError(t, err)
	assert.Equal(t, "farm-1/2025-01-14/"+result.RunID.String()+".json", key)

	loaded, err := archive.Get(context.Background(), "farm-1", result.RunID)
	require.NoError(t, err)
	assert.Equal(t, result.RunID, loaded.RunID)
	assert.Equal(t, 3, loaded.ValidCount)
	assert.Equal(t, ProviderStatusOK, loaded.Providers[0].Status)

	_, err = archive.Get(context.Background(), "farm-1", uuid.New())
	assert.ErrorIs(t, err, ErrReportNotFound)
}

// ============================================================================
// TEST SUITE 2: IMAGERY AVAILABILITY CHECK
// ============================================================================

func TestImageryCheck_QueuesJobOnlyForNewImagery(t *testing.T) {
	now := time.Date(2025, 1, 20, 6, 0, 0, 0, time.UTC)
	seen := day(2025, 1, 14)

	store := &fakeFarmStore{
		farms: map[string]*models.FarmConfig{
			"fresh": createTestFarm(),
			"stale": createTestFarm(),
		},
		statuses: []models.FarmImageryStatus{
			{FarmExternalID: "fresh", LatestImageryDate: &seen},
			{FarmExternalID: "stale"},
			{FarmExternalID: "unknown"},
		},
		updates: map[string]*time.Time{},
	}
	// Latest scene is 2025-01-14, already seen by "fresh".
	p := createTestProvider("sentinel", 10, 0.6, 0.3, "s1", "s2")
	jobs := &fakeJobCreator{}

	svc := NewImageryCheckService(store, staticSource{p}, jobs, 24*time.Hour, 30, 50)
	svc.now = func() time.Time { return now }

	queued, err := svc.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	assert.Equal(t, []string{"stale"}, jobs.farms)
	assert.Equal(t, now.Add(-24*time.Hour), store.cutoff)

	require.Contains(t, store.updates, "fresh")
	assert.Nil(t, store.updates["fresh"])
	require.NotNil(t, store.updates["stale"])
	assert.Equal(t, seen, *store.updates["stale"])
	assert.NotContains(t, store.updates, "unknown")
	assert.Empty(t, p.Loaded(), "availability checks never download")
}

func TestImageryCheck_NoScenes(t *testing.T) {
	store := &fakeFarmStore{
		farms:    map[string]*models.FarmConfig{"farm-1": createTestFarm()},
		statuses: []models.FarmImageryStatus{{FarmExternalID: "farm-1"}},
		updates:  map[string]*time.Time{},
	}
	jobs := &fakeJobCreator{}
	svc := NewImageryCheckService(store, staticSource{createTestProvider("sentinel", 10, 0.6, 0.3)}, jobs, time.Hour, 30, 50)

	queued, err := svc.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, queued)
	assert.Empty(t, jobs.farms)
	assert.Contains(t, store.updates, "farm-1")
}
