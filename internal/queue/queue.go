// Package queue holds the bounded job queue and its worker pool. Submission
// is non-blocking: a full queue rejects immediately instead of stalling the
// HTTP handler. Every status transition is persisted before it becomes
// observable.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ocrd/internal/metrics"
	"ocrd/internal/storage"
	"ocrd/pkg/types"
)

// Runner executes a dequeued job. The queue owns the job's status
// transitions; Run only reports success or failure.
type Runner interface {
	Run(ctx context.Context, job *types.Job) error
}

// Config sizes the queue and its worker pool.
type Config struct {
	Capacity int
	Workers  int
}

// Queue is a bounded FIFO of conversion jobs plus the workers draining it.
type Queue struct {
	cfg    Config
	runner Runner
	log    zerolog.Logger

	jobs chan *types.Job

	mu   sync.Mutex
	byID map[string]*types.Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// onSuccess runs detached after a job reaches succeeded; failures there
	// never affect the job's outcome.
	onSuccess func(*types.Job)
}

// New builds a Queue. onSuccess may be nil.
func New(cfg Config, runner Runner, onSuccess func(*types.Job), logger zerolog.Logger) *Queue {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:       cfg,
		runner:    runner,
		log:       logger.With().Str("component", "queue").Logger(),
		jobs:      make(chan *types.Job, cfg.Capacity),
		byID:      make(map[string]*types.Job),
		ctx:       ctx,
		cancel:    cancel,
		onSuccess: onSuccess,
	}
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	metrics.ActiveWorkers.Set(float64(q.cfg.Workers))
}

// Stop cancels in-flight work and waits for the workers to exit, up to a
// bounded grace period so shutdown cannot hang on a stuck engine.
func (q *Queue) Stop(grace time.Duration) {
	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		q.log.Warn().Msg("workers did not drain within grace period")
	}
	metrics.ActiveWorkers.Set(0)
}

// Submit enqueues a job. It persists the queued status first, then attempts
// a non-blocking send; false means the queue is at capacity and the caller
// should reject with backpressure.
func (q *Queue) Submit(job *types.Job) bool {
	job.Status = types.StatusQueued
	job.QueuedAt = time.Now()
	if err := storage.SaveStatus(job.Paths, job.StatusDoc()); err != nil {
		q.log.Error().Str("task_id", job.TaskID).Err(err).Msg("persist queued status")
	}

	q.mu.Lock()
	q.byID[job.TaskID] = job
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		metrics.JobsSubmitted.Inc()
		metrics.QueueDepth.Set(float64(len(q.jobs)))
		return true
	default:
		q.mu.Lock()
		delete(q.byID, job.TaskID)
		q.mu.Unlock()
		return false
	}
}

// Get returns a snapshot of an in-memory job by id.
func (q *Queue) Get(taskID string) (types.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.byID[taskID]
	if !ok {
		return types.Job{}, false
	}
	return *job, true
}

// Cancel marks a still-queued job canceled. Jobs already picked up by a
// worker run to completion.
func (q *Queue) Cancel(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.byID[taskID]
	if !ok || job.Status != types.StatusQueued {
		return false
	}
	job.Status = types.StatusCanceled
	now := time.Now()
	job.FinishedAt = &now
	if err := storage.SaveStatus(job.Paths, job.StatusDoc()); err != nil {
		q.log.Error().Str("task_id", taskID).Err(err).Msg("persist canceled status")
	}
	return true
}

// Depth reports how many jobs are waiting (not yet picked up).
func (q *Queue) Depth() int { return len(q.jobs) }

// Capacity reports the queue's bound.
func (q *Queue) Capacity() int { return q.cfg.Capacity }

// Workers reports the worker pool size.
func (q *Queue) Workers() int { return q.cfg.Workers }

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log := q.log.With().Int("worker", id).Logger()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			metrics.QueueDepth.Set(float64(len(q.jobs)))
			q.process(log, job)
		}
	}
}

func (q *Queue) process(log zerolog.Logger, job *types.Job) {
	q.mu.Lock()
	if job.Status == types.StatusCanceled {
		q.mu.Unlock()
		log.Info().Str("task_id", job.TaskID).Msg("skipping canceled job")
		return
	}
	now := time.Now()
	job.Status = types.StatusProcessing
	job.StartedAt = &now
	q.persistLocked(job)
	q.mu.Unlock()

	log.Info().Str("task_id", job.TaskID).Msg("job started")
	err := q.runner.Run(q.ctx, job)

	q.mu.Lock()
	fin := time.Now()
	job.FinishedAt = &fin
	if err != nil {
		job.Status = types.StatusFailed
		job.Message = err.Error()
		metrics.JobsFailed.Inc()
	} else {
		job.Status = types.StatusSucceeded
		metrics.JobsSucceeded.Inc()
	}
	q.persistLocked(job)
	snapshot := *job
	q.mu.Unlock()

	if err != nil {
		log.Error().Str("task_id", job.TaskID).Err(err).Msg("job failed")
		return
	}
	log.Info().
		Str("task_id", job.TaskID).
		Dur("elapsed", fin.Sub(now)).
		Msg("job succeeded")
	if q.onSuccess != nil {
		go q.onSuccess(&snapshot)
	}
}

func (q *Queue) persistLocked(job *types.Job) {
	if err := storage.SaveStatus(job.Paths, job.StatusDoc()); err != nil {
		q.log.Error().Str("task_id", job.TaskID).Err(err).Msg("persist status")
	}
}
