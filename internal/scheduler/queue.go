package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"hoopslab/leaderboards/internal/metrics"
)

var (
	// ErrQueueFull is returned when no more jobs can be buffered
	ErrQueueFull = errors.New("job queue is full")
	// ErrQueueClosed is returned after Close
	ErrQueueClosed = errors.New("job queue is closed")
)

// Job is a unit of background work
type Job struct {
	ID   string
	Key  string
	Type string
	Run  func(ctx context.Context) error
}

// Queue runs jobs on a fixed pool of workers. A job whose key is already
// waiting in the queue is not added twice.
type Queue struct {
	jobs chan *Job

	mu      sync.Mutex
	pending map[string]string
	closed  bool

	wg sync.WaitGroup
}

// NewQueue creates a queue buffering up to size jobs
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		jobs:    make(chan *Job, size),
		pending: make(map[string]string),
	}
}

// Enqueue adds a job and returns its id. When a job with the same key is
// already pending, its id is returned and added is false.
func (q *Queue) Enqueue(jobType, key string, run func(ctx context.Context) error) (id string, added bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", false, ErrQueueClosed
	}
	if existing, ok := q.pending[key]; ok {
		return existing, false, nil
	}

	job := &Job{ID: uuid.NewString(), Key: key, Type: jobType, Run: run}
	select {
	case q.jobs <- job:
	default:
		return "", false, ErrQueueFull
	}

	q.pending[key] = job.ID
	metrics.SetQueueDepth(len(q.pending))

	log.Debug().
		Str("job_id", job.ID).
		Str("type", jobType).
		Str("key", key).
		Msg("Job queued")
	return job.ID, true, nil
}

// Pending returns the number of queued jobs not yet picked up by a worker
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Start launches the workers. They stop when ctx is cancelled or the queue is
// closed and drained.
func (q *Queue) Start(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, n int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Int("worker", n).Msg("Context cancelled, stopping job worker")
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(ctx, job)
		}
	}
}

func (q *Queue) run(ctx context.Context, job *Job) {
	// Once started, a new request for the same key queues a fresh run
	q.mu.Lock()
	delete(q.pending, job.Key)
	metrics.SetQueueDepth(len(q.pending))
	q.mu.Unlock()

	start := time.Now()
	err := job.Run(ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
		log.Error().Err(err).
			Str("job_id", job.ID).
			Str("type", job.Type).
			Str("key", job.Key).
			Msg("Job failed")
	} else {
		log.Info().
			Str("job_id", job.ID).
			Str("type", job.Type).
			Dur("duration", duration).
			Msg("Job complete")
	}
	metrics.RecordJob(job.Type, status, duration.Seconds())
}

// Close stops accepting jobs and waits for the workers to drain the queue
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
}
