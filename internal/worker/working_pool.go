package worker

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"
)

// WorkingPool runs submitted jobs on a fixed number of workers. Each job is
// one farm, so farms run in parallel while a single farm's pipeline stays
// sequential.
type WorkingPool struct {
	NumWorkers int
	jobChan    chan Job
}

func NewWorkingPool(numWorkers int, queueSize int) *WorkingPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &WorkingPool{
		NumWorkers: numWorkers,
		jobChan:    make(chan Job, queueSize),
	}
}

// SubmitJob blocks until a worker or a queue slot takes the job.
func (p *WorkingPool) SubmitJob(ctx context.Context, job Job) error {
	select {
	case p.jobChan <- job:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to submit job: %w", ctx.Err())
	}
}

// Available is the number of jobs that can be queued without blocking.
func (p *WorkingPool) Available() int {
	return cap(p.jobChan) - len(p.jobChan)
}

// Start runs the workers until ctx is cancelled and waits for them to exit.
func (p *WorkingPool) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range p.NumWorkers {
		id := i + 1
		g.Go(func() error {
			p.worker(gctx, id)
			return nil
		})
	}

	<-ctx.Done()
	log.Println("[WorkingPool] Shutdown signaled. Waiting for workers.")
	err := g.Wait()
	log.Printf("[WorkingPool] All workers stopped. %d queued jobs dropped.\n", len(p.jobChan))
	return err
}

func (p *WorkingPool) worker(ctx context.Context, id int) {
	log.Printf("[WorkingPool-Worker %d] Started and waiting for jobs.\n", id)

	for {
		select {
		case job := <-p.jobChan:
			p.safeExecution(ctx, job, id)

		case <-ctx.Done():
			log.Printf("[WorkingPool-Worker %d] Context canceled. Exiting.\n", id)
			return
		}
	}
}

func (p *WorkingPool) safeExecution(ctx context.Context, job Job, workerID int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WorkingPool-Worker %d] FATAL: Panic recovered in job: %v\n", workerID, r)
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	log.Printf("[WorkingPool-Worker %d] Picked up a job.\n", workerID)
	if err = job(ctx); err != nil {
		log.Printf("[WorkingPool-Worker %d] Error executing job: %s.\n", workerID, err)
	}
	log.Printf("[WorkingPool-Worker %d] Finished job.\n", workerID)
	return err
}
