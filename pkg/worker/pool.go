// Package worker runs the engine's concurrent workers. Each worker polls
// the queue, executes the registered handler for the claimed job, and
// drives the job's status through the store: COMPLETED on success,
// RETRYING with a backoff delay on transient failure, FAILED once the
// retry budget is exhausted or on configuration errors.
//
// Handler faults never escape a worker: panics are recovered at the
// worker boundary and follow the same failure path as a returned error.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/guido-cesarano/taskflow/pkg/backoff"
	"github.com/guido-cesarano/taskflow/pkg/job"
	"github.com/guido-cesarano/taskflow/pkg/logger"
	"github.com/guido-cesarano/taskflow/pkg/metrics"
	"github.com/guido-cesarano/taskflow/pkg/queue"
	"github.com/guido-cesarano/taskflow/pkg/registry"
	"github.com/guido-cesarano/taskflow/pkg/store"
)

// Observer is notified when a job reaches a terminal state. The pipeline
// coordinator implements it to chain stages.
type Observer interface {
	OnJobCompleted(ctx context.Context, j *job.Job)
	OnJobFailed(ctx context.Context, j *job.Job)
}

// Pool manages a fixed set of worker goroutines pulling from one shared
// queue.
type Pool struct {
	queue    queue.Queue
	store    store.Store
	registry *registry.Registry

	policy        backoff.Policy
	maxRetries    int
	perJobTimeout time.Duration
	pollInterval  time.Duration
	concurrency   int
	observer      Observer
	log           zerolog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) Option {
	return func(p *Pool) { p.concurrency = n }
}

// WithMaxRetries sets the retry budget applied to every job.
func WithMaxRetries(n int) Option {
	return func(p *Pool) { p.maxRetries = n }
}

// WithBackoff sets the retry delay policy.
func WithBackoff(policy backoff.Policy) Option {
	return func(p *Pool) { p.policy = policy }
}

// WithPollInterval sets how long an idle worker sleeps between polls.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) { p.pollInterval = d }
}

// WithPerJobTimeout bounds handler execution time. Zero disables the
// timeout. A timed-out job follows the normal retry path.
func WithPerJobTimeout(d time.Duration) Option {
	return func(p *Pool) { p.perJobTimeout = d }
}

// WithObserver sets the terminal-state observer.
func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

// NewPool creates a worker pool. Workers do not run until Start.
func NewPool(q queue.Queue, st store.Store, reg *registry.Registry, opts ...Option) *Pool {
	p := &Pool{
		queue:        q,
		store:        st,
		registry:     reg,
		policy:       backoff.Default(),
		maxRetries:   3,
		pollInterval: 50 * time.Millisecond,
		concurrency:  4,
		log:          logger.Log,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true

	p.log.Info().
		Int("concurrency", p.concurrency).
		Int("max_retries", p.maxRetries).
		Msg("Worker pool starting")

	for range p.concurrency {
		p.wg.Add(1)
		go p.runLoop()
	}
}

// Stop signals workers to stop and waits for in-flight jobs, bounded by
// the context deadline.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info().Msg("Worker pool stopped")
		return nil
	case <-ctx.Done():
		p.log.Warn().Msg("Worker pool shutdown timed out")
		return ctx.Err()
	}
}

// runLoop is executed by each worker goroutine.
func (p *Pool) runLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		j, err := p.queue.Dequeue(context.Background())
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) && !errors.Is(err, queue.ErrClosed) {
				p.log.Error().Err(err).Msg("Dequeue failed")
			}
			p.sleep()
			continue
		}

		p.process(context.Background(), j)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

// process claims the job, invokes its handler, and applies the outcome.
func (p *Pool) process(ctx context.Context, j *job.Job) {
	claimed, err := p.store.Update(ctx, j.ID, func(rec *job.Job) error {
		rec.Status = job.StatusRunning
		return nil
	})
	if err != nil {
		// Cancelled or already terminal: drop the queue entry.
		p.log.Debug().Err(err).Str("job_id", j.ID).Msg("Skipping unclaimable job")
		return
	}

	metrics.QueueLatency.WithLabelValues(j.Type).Observe(time.Since(j.CreatedAt).Seconds())

	handler, err := p.registry.Resolve(claimed.Type)
	if err != nil {
		p.failPermanently(ctx, claimed, fmt.Errorf("unknown job type %q", claimed.Type))
		return
	}

	start := time.Now()
	result, err := p.invoke(handler, claimed)
	metrics.JobDuration.WithLabelValues(claimed.Type).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, registry.ErrBadPayload) {
			// Configuration failure: no retry.
			p.failPermanently(ctx, claimed, err)
			return
		}
		p.handleFailure(ctx, claimed, err)
		return
	}

	p.handleSuccess(ctx, claimed, result)
}

// invoke runs the handler with panic recovery and the optional per-job
// timeout. A handler that outlives its deadline is abandoned; its late
// result is discarded.
func (p *Pool) invoke(handler job.Handler, j *job.Job) ([]byte, error) {
	ctx := context.Background()
	if p.perJobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.perJobTimeout)
		defer cancel()
	}

	type outcome struct {
		result []byte
		err    error
	}
	outCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error().
					Str("job_id", j.ID).
					Str("type", j.Type).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("Handler panicked")
				outCh <- outcome{err: fmt.Errorf("panic in %q handler: %v", j.Type, r)}
			}
		}()
		result, err := handler(ctx, j.Payload)
		outCh <- outcome{result: result, err: err}
	}()

	select {
	case out := <-outCh:
		return out.result, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("job timed out after %s: %w", p.perJobTimeout, ctx.Err())
	}
}

// handleSuccess stores the result and marks the job completed.
func (p *Pool) handleSuccess(ctx context.Context, j *job.Job, result []byte) {
	updated, err := p.store.Update(ctx, j.ID, func(rec *job.Job) error {
		rec.Status = job.StatusCompleted
		rec.Result = result
		return nil
	})
	if err != nil {
		p.log.Error().Err(err).Str("job_id", j.ID).Msg("Failed to mark job completed")
		return
	}

	metrics.JobsProcessed.WithLabelValues(j.Type, "completed").Inc()
	p.log.Info().
		Str("job_id", j.ID).
		Str("type", j.Type).
		Int("attempts", updated.Attempts).
		Msg("Job completed")

	if p.observer != nil {
		p.observer.OnJobCompleted(ctx, updated)
	}
}

// handleFailure increments the attempt counter and either schedules a
// delayed retry or fails the job for good.
func (p *Pool) handleFailure(ctx context.Context, j *job.Job, handlerErr error) {
	updated, err := p.store.Update(ctx, j.ID, func(rec *job.Job) error {
		rec.Attempts++
		rec.LastError = handlerErr.Error()
		if p.policy.ShouldRetry(rec.Attempts, p.maxRetries) {
			rec.Status = job.StatusRetrying
		} else {
			rec.Status = job.StatusFailed
		}
		return nil
	})
	if err != nil {
		p.log.Error().Err(err).Str("job_id", j.ID).Msg("Failed to record job failure")
		return
	}

	if updated.Status == job.StatusRetrying {
		delay := p.policy.Delay(updated.Attempts - 1)
		if err := p.queue.EnqueueAfter(ctx, updated, delay); err != nil {
			p.log.Error().Err(err).Str("job_id", j.ID).Msg("Failed to re-enqueue job for retry")
			return
		}

		metrics.JobsProcessed.WithLabelValues(j.Type, "retried").Inc()
		p.log.Warn().
			Str("job_id", j.ID).
			Str("type", j.Type).
			Int("attempt", updated.Attempts).
			Int("max_retries", p.maxRetries).
			Dur("delay", delay).
			Err(handlerErr).
			Msg("Job scheduled for retry")
		return
	}

	metrics.JobsProcessed.WithLabelValues(j.Type, "failed").Inc()
	p.log.Error().
		Str("job_id", j.ID).
		Str("type", j.Type).
		Int("attempts", updated.Attempts).
		Err(handlerErr).
		Msg("Job failed permanently")

	if p.observer != nil {
		p.observer.OnJobFailed(ctx, updated)
	}
}

// failPermanently marks a job failed without consuming retries. Used for
// configuration failures: unknown job types and malformed payloads.
func (p *Pool) failPermanently(ctx context.Context, j *job.Job, cause error) {
	updated, err := p.store.Update(ctx, j.ID, func(rec *job.Job) error {
		rec.Status = job.StatusFailed
		rec.LastError = cause.Error()
		return nil
	})
	if err != nil {
		p.log.Error().Err(err).Str("job_id", j.ID).Msg("Failed to mark job failed")
		return
	}

	metrics.JobsProcessed.WithLabelValues(j.Type, "failed").Inc()
	p.log.Error().
		Str("job_id", j.ID).
		Str("type", j.Type).
		Err(cause).
		Msg("Job failed: configuration error")

	if p.observer != nil {
		p.observer.OnJobFailed(ctx, updated)
	}
}
