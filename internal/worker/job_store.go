package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"ingestion-service/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix      = "ingestion:job:"
	pendingJobsKey    = "ingestion:jobs:pending"
	activeFarmKeyTmpl = "ingestion:farm:%s:active"
)

// RedisJobStore keeps jobs as JSON strings, the pending queue as a sorted
// set scored by creation time, and one "active job" pointer per farm so a
// farm never has two jobs in flight.
type RedisJobStore struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

func NewRedisJobStore(client *redis.Client, retention time.Duration) *RedisJobStore {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RedisJobStore{client: client, retention: retention, now: time.Now}
}

func (s *RedisJobStore) jobKey(id uuid.UUID) string {
	return jobKeyPrefix + id.String()
}

func (s *RedisJobStore) activeFarmKey(farmExternalID string) string {
	return fmt.Sprintf(activeFarmKeyTmpl, farmExternalID)
}

// CreateJob queues a pending job for the farm. When the farm already has a
// pending or processing job, that job is returned with created=false.
func (s *RedisJobStore) CreateJob(ctx context.Context, farmExternalID string, trigger models.JobTrigger) (*models.IngestionJob, bool, error) {
	if farmExternalID == "" {
		return nil, false, fmt.Errorf("farm ID cannot be empty")
	}

	job := &models.IngestionJob{
		ID:             uuid.New(),
		FarmExternalID: farmExternalID,
		TriggeredBy:    trigger,
		Status:         models.JobStatusPending,
		CreatedAt:      s.now().UTC(),
	}

	activeKey := s.activeFarmKey(farmExternalID)
	acquired, err := s.client.SetNX(ctx, activeKey, job.ID.String(), s.retention).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve farm: %w", err)
	}
	if !acquired {
		existing, err := s.activeJob(ctx, activeKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
		// Pointer to a finished or expired job; take it over.
		if err := s.client.Set(ctx, activeKey, job.ID.String(), s.retention).Err(); err != nil {
			return nil, false, fmt.Errorf("failed to reserve farm: %w", err)
		}
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.jobKey(job.ID), data, s.retention)
	pipe.ZAdd(ctx, pendingJobsKey, redis.Z{Score: float64(job.CreatedAt.UnixMilli()), Member: job.ID.String()})
	if _, err := pipe.Exec(ctx); err != nil {
		s.client.Del(ctx, activeKey)
		return nil, false, fmt.Errorf("failed to store job: %w", err)
	}
	return job, true, nil
}

func (s *RedisJobStore) activeJob(ctx context.Context, activeKey string) (*models.IngestionJob, error) {
	raw, err := s.client.Get(ctx, activeKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read active job: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, nil
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !job.Status.IsActive() {
		return nil, nil
	}
	return job, nil
}

// ClaimPending pops up to limit of the oldest pending jobs and marks them
// processing. ZPOPMIN is atomic, so concurrent claimers never share a job.
func (s *RedisJobStore) ClaimPending(ctx context.Context, limit int) ([]*models.IngestionJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	popped, err := s.client.ZPopMin(ctx, pendingJobsKey, int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	claimed := make([]*models.IngestionJob, 0, len(popped))
	for i, z := range popped {
		member, _ := z.Member.(string)
		id, err := uuid.Parse(member)
		if err != nil {
			continue
		}
		job, err := s.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			if errors.Is(err, errCorruptJob) {
				log.Printf("[JobStore] Dropping unreadable job %s: %v\n", id, err)
				continue
			}
			return claimed, s.requeue(ctx, popped[i:], err)
		}

		now := s.now().UTC()
		job.Status = models.JobStatusProcessing
		job.ClaimedAt = &now
		if err := s.save(ctx, job); err != nil {
			return claimed, s.requeue(ctx, popped[i:], err)
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// requeue puts popped members back with their original scores after a claim
// failed part way, so they are picked up on the next poll.
func (s *RedisJobStore) requeue(ctx context.Context, members []redis.Z, cause error) error {
	if err := s.client.ZAdd(context.WithoutCancel(ctx), pendingJobsKey, members...).Err(); err != nil {
		return fmt.Errorf("%w (re-queue of %d jobs also failed: %v)", cause, len(members), err)
	}
	return cause
}

// Complete records the outcome of a claimed job and releases the farm.
func (s *RedisJobStore) Complete(ctx context.Context, jobID uuid.UUID, completion models.JobCompletion) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	job.CompletedAt = &now
	job.Success = completion.Success
	job.RunID = completion.RunID
	job.Status = models.JobStatusFailed
	if completion.Success {
		job.Status = models.JobStatusCompleted
	}
	if completion.CaptureDate != nil {
		date := completion.CaptureDate.Format("2006-01-02")
		job.CaptureDate = &date
	}
	if completion.ErrorMessage != "" {
		msg := completion.ErrorMessage
		job.ErrorMessage = &msg
	}

	if err := s.save(ctx, job); err != nil {
		return err
	}

	activeKey := s.activeFarmKey(job.FarmExternalID)
	if current, err := s.client.Get(ctx, activeKey).Result(); err == nil && current == jobID.String() {
		s.client.Del(ctx, activeKey)
	}
	return nil
}

func (s *RedisJobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.IngestionJob, error) {
	data, err := s.client.Get(ctx, s.jobKey(jobID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job models.IngestionJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("%w %s: %w", errCorruptJob, jobID, err)
	}
	return &job, nil
}

func (s *RedisJobStore) save(ctx context.Context, job *models.IngestionJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := s.client.Set(ctx, s.jobKey(job.ID), data, s.retention).Err(); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}
