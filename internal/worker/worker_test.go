package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ingestion-service/internal/models"
	"ingestion-service/internal/services"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

func createTestJobStore(t *testing.T) (*RedisJobStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewRedisJobStore(client, time.Hour)
	var mu sync.Mutex
	clock := time.Date(2025, 1, 20, 6, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return store, mr
}

type fakeFarmLoader struct{ err error }

func (f fakeFarmLoader) GetFarmConfig(_ context.Context, id string) (*models.FarmConfig, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.FarmConfig{FarmExternalID: id}, nil
}

type fakePipeline struct {
	result *services.RunResult
	err    error
}

func (f fakePipeline) Run(context.Context, *models.FarmConfig, time.Time) (*services.RunResult, error) {
	return f.result, f.err
}

type fakeWriter struct {
	written []models.ObservationRecord
	err     error
}

func (f *fakeWriter) UpsertBatch(_ context.Context, records []models.ObservationRecord) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.written = append(f.written, records...)
	return len(records), nil
}

type fakeArchive struct{ saved int }

func (f *fakeArchive) Save(context.Context, *services.RunResult) (string, error) {
	f.saved++
	return "key", nil
}

type fakeChecker struct{ calls int }

func (f *fakeChecker) CheckAll(context.Context) (int, error) {
	f.calls++
	return 0, nil
}

type recordingRunner struct {
	mu   sync.Mutex
	jobs []uuid.UUID
}

func (r *recordingRunner) JobFor(job *models.IngestionJob) Job {
	r.mu.Lock()
	r.jobs = append(r.jobs, job.ID)
	r.mu.Unlock()
	return func(context.Context) error { return nil }
}

func createTestRunResult(valid int) *services.RunResult {
	return &services.RunResult{
		RunID:           uuid.New(),
		FarmExternalID:  "farm-1",
		ObservationDate: time.Date(2025, 1, 14, 0, 0, 0, 0, time.UTC),
		Records:         make([]models.ObservationRecord, 2),
		ValidCount:      valid,
	}
}

// ============================================================================
// TEST SUITE 1: REDIS JOB STORE
// ============================================================================

func TestJobStore_CreateDedupesActiveFarm(t *testing.T) {
	store, _ := createTestJobStore(t)
	ctx := context.Background()

	first, created, err := store.CreateJob(ctx, "farm-1", models.JobTriggerManual)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.JobStatusPending, first.Status)

	again, created, err := store.CreateJob(ctx, "farm-1", models.JobTriggerScheduled)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	_, created, err = store.CreateJob(ctx, "farm-2", models.JobTriggerScheduled)
	require.NoError(t, err)
	assert.True(t, created)

	_, _, err = store.CreateJob(ctx, "", models.JobTriggerManual)
	assert.Error(t, err)
}

func TestJobStore_ClaimIsExclusiveAndOrdered(t *testing.T) {
	store, _ := createTestJobStore(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for _, farm := range []string{"a", "b", "c"} {
		job, _, err := store.CreateJob(ctx, farm, models.JobTriggerScheduled)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	claimed, err := store.ClaimPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, ids[0], claimed[0].ID)
	assert.Equal(t, ids[1], claimed[1].ID)
	assert.Equal(t, models.JobStatusProcessing, claimed[0].Status)
	assert.NotNil(t, claimed[0].ClaimedAt)

	rest, err := store.ClaimPending(ctx, 5)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[2], rest[0].ID)

	none, err := store.ClaimPending(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJobStore_ClaimFailureRequeuesRemainingJobs(t *testing.T) {
	store, mr := createTestJobStore(t)
	ctx := context.Background()

	var jobs []*models.IngestionJob
	for _, farm := range []string{"a", "b", "c"} {
		job, _, err := store.CreateJob(ctx, farm, models.JobTriggerScheduled)
		require.NoError(t, err)
		jobs = append(jobs, job)
	}
	// Reading "b" fails with WRONGTYPE, a Redis error rather than bad data.
	mr.Del(store.jobKey(jobs[1].ID))
	mr.HSet(store.jobKey(jobs[1].ID), "status", "pending")

	claimed, err := store.ClaimPending(ctx, 3)
	require.Error(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, jobs[0].ID, claimed[0].ID)

	pending, err := mr.ZMembers(pendingJobsKey)
	require.NoError(t, err)
	assert.Equal(t, []string{jobs[1].ID.String(), jobs[2].ID.String()}, pending)
	score, err := mr.ZScore(pendingJobsKey, jobs[2].ID.String())
	require.NoError(t, err)
	assert.Equal(t, float64(jobs[2].CreatedAt.UnixMilli()), score)

	mr.Del(store.jobKey(jobs[1].ID))
	rest, err := store.ClaimPending(ctx, 3)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, jobs[2].ID, rest[0].ID)
}

func TestJobStore_ClaimSkipsUnreadableJob(t *testing.T) {
	store, mr := createTestJobStore(t)
	ctx := context.Background()

	bad, _, err := store.CreateJob(ctx, "a", models.JobTriggerScheduled)
	require.NoError(t, err)
	good, _, err := store.CreateJob(ctx, "b", models.JobTriggerScheduled)
	require.NoError(t, err)
	require.NoError(t, mr.Set(store.jobKey(bad.ID), "not-json"))

	claimed, err := store.ClaimPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, good.ID, claimed[0].ID)

	none, err := store.ClaimPending(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, none, "unreadable job is not re-queued")
}

func TestJobStore_ConcurrentClaimers(t *testing.T) {
	store, _ := createTestJobStore(t)
	ctx := context.Background()
	for range 20 {
		_, _, err := store.CreateJob(ctx, uuid.NewString(), models.JobTriggerScheduled)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[uuid.UUID]int{}
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := store.ClaimPending(ctx, 3)
				if err != nil || len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestJobStore_CompleteReleasesFarm(t *testing.T) {
	store, _ := createTestJobStore(t)
	ctx := context.Background()

	job, _, err := store.CreateJob(ctx, "farm-1", models.JobTriggerManual)
	require.NoError(t, err)
	_, err = store.ClaimPending(ctx, 1)
	require.NoError(t, err)

	capture := time.Date(2025, 1, 14, 0, 0, 0, 0, time.UTC)
	runID := uuid.New()
	require.NoError(t, store.Complete(ctx, job.ID, models.JobCompletion{Success: true, CaptureDate: &capture, RunID: &runID}))

	done, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.True(t, done.Success)
	require.NotNil(t, done.CaptureDate)
	assert.Equal(t, "2025-01-14", *done.CaptureDate)
	assert.Nil(t, done.ErrorMessage)
	assert.Equal(t, &runID, done.RunID)

	next, created, err := store.CreateJob(ctx, "farm-1", models.JobTriggerScheduled)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, job.ID, next.ID)
}

func TestJobStore_FailedCompletion(t *testing.T) {
	store, _ := createTestJobStore(t)
	ctx := context.Background()

	job, _, err := store.CreateJob(ctx, "farm-1", models.JobTriggerManual)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, job.ID, models.JobCompletion{ErrorMessage: "no valid imagery"}))

	done, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	require.NotNil(t, done.ErrorMessage)
	assert.Equal(t, "no valid imagery", *done.ErrorMessage)

	_, err = store.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, store.Complete(ctx, uuid.New(), models.JobCompletion{}), ErrJobNotFound)
}

func TestJobStore_StaleActivePointer(t *testing.T) {
	store, mr := createTestJobStore(t)
	ctx := context.Background()

	job, _, err := store.CreateJob(ctx, "farm-1", models.JobTriggerManual)
	require.NoError(t, err)
	mr.Del(store.jobKey(job.ID))

	next, created, err := store.CreateJob(ctx, "farm-1", models.JobTriggerManual)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, job.ID, next.ID)
}

// ============================================================================
// TEST SUITE 2: WORKING POOL
// ============================================================================

func TestWorkingPool_RunsJobsAndSurvivesPanics(t *testing.T) {
	pool := NewWorkingPool(3, 10)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- pool.Start(ctx) }()

	var ran atomic.Int32
	var wg sync.WaitGroup
	require.NoError(t, pool.SubmitJob(ctx, func(context.Context) error { panic("boom") }))
	for range 5 {
		wg.Add(1)
		require.NoError(t, pool.SubmitJob(ctx, func(context.Context) error {
			defer wg.Done()
			ran.Add(1)
			return errors.New("job error is only logged")
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(5), ran.Load())

	cancel()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestWorkingPool_SubmitRespectsContext(t *testing.T) {
	pool := NewWorkingPool(1, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := pool.SubmitJob(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, pool.Available())
}

// ============================================================================
// TEST SUITE 3: INGESTION JOB RUNNER
// ============================================================================

func TestIngestionJobRunner_Success(t *testing.T) {
	store, _ := createTestJobStore(t)
	ctx := context.Background()
	job, _, err := store.CreateJob(ctx, "farm-1", models.JobTriggerManual)
	require.NoError(t, err)

	result := createTestRunResult(2)
	writer := &fakeWriter{}
	archive := &fakeArchive{}
	runner := NewIngestionJobRunner(fakeFarmLoader{}, fakePipeline{result: result}, writer, archive, store, time.Minute)

	require.NoError(t, runner.JobFor(job)(ctx))
	assert.Len(t, writer.written, 2)
	assert.Equal(t, 1, archive.saved)

	done, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, "2025-01-14", *done.CaptureDate)
	assert.Equal(t, result.RunID, *done.RunID)
}

func TestIngestionJobRunner_Failures(t *testing.T) {
	tests := []struct {
		name     string
		loader   fakeFarmLoader
		pipeline fakePipeline
		writer   *fakeWriter
		message  string
	}{
		{
			name:    "farm missing",
			loader:  fakeFarmLoader{err: errors.New("farm not found")},
			writer:  &fakeWriter{},
			message: "farm not found",
		},
		{
			name: "no valid imagery",
			pipeline: fakePipeline{err: &services.NoValidDataError{
				FarmExternalID: "farm-1",
				Providers:      []services.ProviderOutcome{{Provider: "copernicus", Status: services.ProviderStatusNoScenes}},
			}},
			writer:  &fakeWriter{},
			message: "no valid imagery",
		},
		{
			name:     "persistence fails",
			pipeline: fakePipeline{result: createTestRunResult(2)},
			writer:   &fakeWriter{err: errors.New("database is down")},
			message:  "database is down",
		},
		{
			name:     "every paddock invalid",
			pipeline: fakePipeline{result: createTestRunResult(0)},
			writer:   &fakeWriter{},
			message:  "no valid paddock observations",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := createTestJobStore(t)
			ctx := context.Background()
			job, _, err := store.CreateJob(ctx, "farm-1", models.JobTriggerScheduled)
			require.NoError(t, err)

			runner := NewIngestionJobRunner(tt.loader, tt.pipeline, tt.writer, nil, store, time.Minute)
			assert.Error(t, runner.Execute(ctx, job))

			done, err := store.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusFailed, done.Status)
			assert.False(t, done.Success)
			require.NotNil(t, done.ErrorMessage)
			assert.Contains(t, *done.ErrorMessage, tt.message)
		})
	}
}

// ============================================================================
// TEST SUITE 4: SCHEDULER
// ============================================================================

func TestScheduler_TickClaimsUpToPoolCapacity(t *testing.T) {
	store, _ := createTestJobStore(t)
	ctx := context.Background()
	for _, farm := range []string{"a", "b", "c", "d"} {
		_, _, err := store.CreateJob(ctx, farm, models.JobTriggerScheduled)
		require.NoError(t, err)
	}

	pool := NewWorkingPool(1, 2)
	runner := &recordingRunner{}
	checker := &fakeChecker{}
	scheduler := NewJobScheduler("test", time.Minute, 10, store, pool, runner, checker, time.Hour)

	scheduler.Tick(ctx)
	assert.Len(t, runner.jobs, 2)
	assert.Zero(t, pool.Available())
	assert.Equal(t, 1, checker.calls)

	// Pool full, check interval not elapsed.
	scheduler.Tick(ctx)
	assert.Len(t, runner.jobs, 2)
	assert.Equal(t, 1, checker.calls)

	remaining, err := store.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}
