// Package jobs runs continuation jobs for checkpointed executions on an
// in-process delaying work queue.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"k8s.io/client-go/util/workqueue"
)

// ErrShutDown is returned by Enqueue after the queue has stopped.
var ErrShutDown = errors.New("jobs: queue is shut down")

// Job resumes one checkpointed execution. It carries the invocation
// parameters of the original run; live callbacks cannot be carried over.
type Job struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	ProjectID   string            `json:"project_id"`
	UserID      string            `json:"user_id"`
	Request     string            `json:"request"`
	Mode        string            `json:"mode"`
	Strategy    string            `json:"strategy,omitempty"`
	Tier        string            `json:"tier,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
	Attempt     int               `json:"attempt"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
}

// Handler runs a job. A returned error schedules another attempt until
// the queue's attempt limit is reached.
type Handler func(ctx context.Context, job Job) error

// Option configures a Queue.
type Option func(*Queue)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) Option {
	return func(q *Queue) { q.workers = n }
}

// WithDelay sets how long a new job waits before it is started and the
// base delay between failed attempts.
func WithDelay(initial, retry time.Duration) Option {
	return func(q *Queue) {
		q.initialDelay = initial
		q.retryDelay = retry
	}
}

// WithMaxAttempts caps how many times a job runs.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// Queue is a delaying work queue keyed by job id.
type Queue struct {
	queue   workqueue.TypedDelayingInterface[string]
	handler Handler

	mu   sync.Mutex
	jobs map[string]Job

	workers      int
	initialDelay time.Duration
	retryDelay   time.Duration
	maxAttempts  int
	logger       *slog.Logger
	running      atomic.Bool
}

// NewQueue returns a queue that runs jobs with handler once Run is called.
func NewQueue(handler Handler, opts ...Option) *Queue {
	q := &Queue{
		queue: workqueue.NewTypedDelayingQueueWithConfig(workqueue.TypedDelayingQueueConfig[string]{
			Name: "patchpilot-continuations",
		}),
		handler:      handler,
		jobs:         make(map[string]Job),
		workers:      2,
		initialDelay: time.Second,
		retryDelay:   5 * time.Second,
		maxAttempts:  3,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue schedules job and returns its id.
func (q *Queue) Enqueue(_ context.Context, job Job) (string, error) {
	if q.queue.ShuttingDown() {
		return "", ErrShutDown
	}
	if job.ExecutionID == "" {
		return "", errors.New("jobs: execution id is required")
	}
	if job.ID == "" {
		job.ID = ulid.Make().String()
	}
	job.EnqueuedAt = time.Now()
	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()
	q.queue.AddAfter(job.ID, q.initialDelay)
	q.logger.Info("continuation enqueued", "job_id", job.ID, "execution_id", job.ExecutionID, "delay", q.initialDelay)
	return job.ID, nil
}

// Pending returns the number of jobs not yet finished.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Run starts the workers and blocks until ctx is done, then drains the
// queue and waits for in-flight jobs.
func (q *Queue) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return errors.New("jobs: queue is already running")
	}
	var wg sync.WaitGroup
	for range q.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, shutdown := q.queue.Get()
				if shutdown {
					return
				}
				q.process(ctx, id)
			}
		}()
	}

	<-ctx.Done()
	q.queue.ShutDown()
	wg.Wait()
	return nil
}

func (q *Queue) process(ctx context.Context, id string) {
	defer q.queue.Done(id)

	q.mu.Lock()
	job, ok := q.jobs[id]
	if ok {
		job.Attempt++
		q.jobs[id] = job
	}
	q.mu.Unlock()
	if !ok {
		return
	}

	err := q.run(ctx, job)
	if err == nil {
		q.finish(id)
		q.logger.Info("continuation finished", "job_id", id, "execution_id", job.ExecutionID, "attempt", job.Attempt)
		return
	}
	if job.Attempt >= q.maxAttempts || ctx.Err() != nil {
		q.finish(id)
		q.logger.Error("continuation failed", "job_id", id, "execution_id", job.ExecutionID, "attempt", job.Attempt, "error", err)
		return
	}
	delay := q.retryDelay * time.Duration(job.Attempt)
	q.logger.Warn("continuation failed, retrying", "job_id", id, "attempt", job.Attempt, "delay", delay, "error", err)
	q.queue.AddAfter(id, delay)
}

func (q *Queue) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("continuation panicked: %v", r)
		}
	}()
	return q.handler(ctx, job)
}

func (q *Queue) finish(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, id)
}

// Close stops accepting jobs. Workers started by Run exit once the queue
// drains.
func (q *Queue) Close() {
	q.queue.ShutDown()
}
