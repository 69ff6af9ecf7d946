package worker

import (
	"context"
	"log"
	"time"

	"ingestion-service/internal/models"

	"github.com/google/uuid"
)

type JobClaimer interface {
	ClaimPending(ctx context.Context, limit int) ([]*models.IngestionJob, error)
	Complete(ctx context.Context, jobID uuid.UUID, completion models.JobCompletion) error
}

type JobRunner interface {
	JobFor(job *models.IngestionJob) Job
}

// JobScheduler polls the job store on a fixed interval and feeds claimed
// jobs to the pool. It also runs the imagery availability check whenever
// checkInterval has elapsed.
type JobScheduler struct {
	Name          string
	Interval      time.Duration
	ClaimBatch    int
	store         JobClaimer
	pool          *WorkingPool
	runner        JobRunner
	checker       ImageryChecker
	checkInterval time.Duration
	lastCheck     time.Time
	now           func() time.Time
}

func NewJobScheduler(
	name string,
	interval time.Duration,
	claimBatch int,
	store JobClaimer,
	pool *WorkingPool,
	runner JobRunner,
	checker ImageryChecker,
	checkInterval time.Duration,
) *JobScheduler {
	if claimBatch <= 0 {
		claimBatch = 1
	}
	return &JobScheduler{
		Name:          name,
		Interval:      interval,
		ClaimBatch:    claimBatch,
		store:         store,
		pool:          pool,
		runner:        runner,
		checker:       checker,
		checkInterval: checkInterval,
		now:           time.Now,
	}
}

func (s *JobScheduler) Run(ctx context.Context) {
	log.Printf("[Scheduler %s] Running every %s.\n", s.Name, s.Interval)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)

		case <-ctx.Done():
			log.Printf("[Scheduler %s] Shutting down.\n", s.Name)
			return
		}
	}
}

// Tick runs one scheduling round.
func (s *JobScheduler) Tick(ctx context.Context) {
	if s.checker != nil && s.now().Sub(s.lastCheck) >= s.checkInterval {
		s.lastCheck = s.now()
		queued, err := s.checker.CheckAll(ctx)
		if err != nil {
			log.Printf("[Scheduler %s] Imagery check failed: %v\n", s.Name, err)
		} else if queued > 0 {
			log.Printf("[Scheduler %s] Imagery check queued %d jobs.\n", s.Name, queued)
		}
	}
	s.submitJobs(ctx)
}

func (s *JobScheduler) submitJobs(ctx context.Context) {
	limit := min(s.ClaimBatch, s.pool.Available())
	if limit <= 0 {
		return
	}

	jobs, err := s.store.ClaimPending(ctx, limit)
	if err != nil {
		log.Printf("[Scheduler %s] FAILED to claim jobs: %v\n", s.Name, err)
	}

	for _, job := range jobs {
		submitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.pool.SubmitJob(submitCtx, s.runner.JobFor(job))
		cancel()
		if err != nil {
			log.Printf("[Scheduler %s] FAILED to submit job %s: %v\n", s.Name, job.ID, err)
			completion := models.JobCompletion{ErrorMessage: "job could not be scheduled: " + err.Error()}
			if err := s.store.Complete(context.WithoutCancel(ctx), job.ID, completion); err != nil {
				log.Printf("[Scheduler %s] FAILED to release job %s: %v\n", s.Name, job.ID, err)
			}
		}
	}
}
