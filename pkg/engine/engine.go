// Package engine composes the taskflow components into one in-process
// background job engine: submission, status queries, worker execution
// with retries, multi-stage pipelines, and periodic scheduling.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/taskflow/pkg/backoff"
	"github.com/guido-cesarano/taskflow/pkg/job"
	"github.com/guido-cesarano/taskflow/pkg/logger"
	"github.com/guido-cesarano/taskflow/pkg/metrics"
	"github.com/guido-cesarano/taskflow/pkg/pipeline"
	"github.com/guido-cesarano/taskflow/pkg/queue"
	"github.com/guido-cesarano/taskflow/pkg/registry"
	"github.com/guido-cesarano/taskflow/pkg/scheduler"
	"github.com/guido-cesarano/taskflow/pkg/store"
	"github.com/guido-cesarano/taskflow/pkg/worker"
)

// Engine is the in-process background job engine. It is the single entry
// point the HTTP/CLI layer talks to: submit work, query status, define
// pipelines, and schedule recurring jobs.
type Engine struct {
	cfg Config
	log zerolog.Logger

	store     store.Store
	queue     queue.Queue
	registry  *registry.Registry
	pool      *worker.Pool
	pipelines *pipeline.Coordinator
	scheduler *scheduler.Scheduler

	redisAddr string

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithRedis backs the engine's queue and status store with the Redis
// instance at addr instead of the in-memory defaults.
func WithRedis(addr string) Option {
	return func(e *Engine) { e.redisAddr = addr }
}

// WithStore injects a custom status store.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithQueue injects a custom queue.
func WithQueue(q queue.Queue) Option {
	return func(e *Engine) { e.queue = q }
}

// New creates an Engine with the given configuration. The default
// backends are fully in-memory.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		log:      logger.Log,
		registry: registry.New(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.redisAddr != "" {
		if e.store == nil {
			e.store = store.NewRedis(e.redisAddr)
		}
		if e.queue == nil {
			e.queue = queue.NewRedis(e.redisAddr, queue.WithRedisReadyFunc(e.onJobReady))
		}
	}
	if e.store == nil {
		e.store = store.NewMemory()
	}
	if e.queue == nil {
		e.queue = queue.NewMemory(queue.WithReadyFunc(e.onJobReady))
	}

	e.pipelines = pipeline.New(e.Submit)

	policy := backoff.Policy{
		Base:     cfg.BackoffBase,
		MaxDelay: cfg.BackoffMax,
		Jitter:   cfg.Jitter,
	}
	e.pool = worker.NewPool(e.queue, e.store, e.registry,
		worker.WithConcurrency(cfg.Workers),
		worker.WithMaxRetries(cfg.MaxRetries),
		worker.WithBackoff(policy),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithPerJobTimeout(cfg.PerJobTimeout),
		worker.WithObserver(e.pipelines),
	)

	e.scheduler = scheduler.New(func(ctx context.Context, jobType string, payload []byte) (string, error) {
		return e.Submit(ctx, jobType, payload)
	})

	return e
}

// Register binds a handler to a job type. Expected at startup, before
// jobs of that type are submitted.
func (e *Engine) Register(jobType string, h job.Handler) error {
	return e.registry.Register(jobType, h)
}

// Registry exposes the task registry, e.g. for typed registration via
// registry.RegisterJSON.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Submit creates a pending job and makes it visible to workers. It
// returns the generated job id.
func (e *Engine) Submit(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (string, error) {
	if jobType == "" {
		return "", fmt.Errorf("engine: empty job type")
	}

	j := job.New(jobType, payload, opts...)
	if err := e.store.Create(ctx, j); err != nil {
		return "", fmt.Errorf("engine: store job %s: %w", j.ID, err)
	}
	if err := e.queue.Enqueue(ctx, j); err != nil {
		// Keep store and queue consistent: a job that never became
		// visible must not linger as PENDING forever.
		_ = e.store.Delete(ctx, j.ID)
		return "", fmt.Errorf("engine: enqueue job %s: %w", j.ID, err)
	}

	metrics.JobsSubmitted.WithLabelValues(jobType).Inc()
	e.log.Debug().Str("job_id", j.ID).Str("type", jobType).Msg("Job submitted")
	return j.ID, nil
}

// Status returns a snapshot of the job record: status, attempts, result,
// last error and timestamps. Unknown ids yield store.ErrNotFound.
func (e *Engine) Status(ctx context.Context, jobID string) (*job.Job, error) {
	return e.store.Get(ctx, jobID)
}

// Cancel removes a PENDING job before any worker claims it. Jobs already
// running or finished are not cancellable.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	removed, err := e.queue.Remove(ctx, jobID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("engine: job %s is not pending", jobID)
	}
	return e.store.Delete(ctx, jobID)
}

// Stats describes the engine's current load.
type Stats struct {
	// QueueDepth counts queued jobs, delayed ones included.
	QueueDepth int64 `json:"queue_depth"`
	// Statuses counts job records per lifecycle state.
	Statuses map[job.Status]int64 `json:"statuses"`
}

// Stats returns current queue depth and per-status record counts.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	depth, err := e.queue.Len(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make(map[job.Status]int64)
	for _, s := range []job.Status{
		job.StatusPending,
		job.StatusRunning,
		job.StatusRetrying,
		job.StatusCompleted,
		job.StatusFailed,
	} {
		n, err := e.store.Count(ctx, s)
		if err != nil {
			return nil, err
		}
		statuses[s] = n
	}

	return &Stats{QueueDepth: depth, Statuses: statuses}, nil
}

// DefinePipeline registers an ordered list of stage job types under a
// pipeline name.
func (e *Engine) DefinePipeline(name string, stages []string) error {
	return e.pipelines.Define(name, stages)
}

// StartPipeline starts a run of the named pipeline; the payload feeds the
// first stage. Returns the run snapshot carrying the correlation id.
func (e *Engine) StartPipeline(ctx context.Context, name string, payload []byte) (*pipeline.Run, error) {
	return e.pipelines.Start(ctx, name, payload)
}

// PipelineStatus returns a snapshot of the pipeline run identified by
// correlationID.
func (e *Engine) PipelineStatus(correlationID string) (*pipeline.Run, error) {
	return e.pipelines.Get(correlationID)
}

// Every schedules a recurring job on a fixed interval.
func (e *Engine) Every(interval time.Duration, jobType string, factory scheduler.PayloadFactory) error {
	return e.scheduler.Every(interval, jobType, factory)
}

// Cron schedules a recurring job on a cron expression.
func (e *Engine) Cron(spec, jobType string, factory scheduler.PayloadFactory) (cron.EntryID, error) {
	return e.scheduler.Cron(spec, jobType, factory)
}

// Start launches the workers, the scheduler, and the queue-depth gauge
// collector.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return
	}
	e.started = true

	e.pool.Start()
	e.scheduler.Start()

	e.wg.Add(1)
	go e.collectQueueDepth()

	e.log.Info().Int("workers", e.cfg.Workers).Msg("Engine started")
}

// Stop gracefully shuts the engine down: no new scheduled jobs, workers
// drain their in-flight jobs bounded by ShutdownTimeout, backends close.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok && e.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()
	}

	e.scheduler.Stop()
	err := e.pool.Stop(ctx)

	close(e.stopCh)
	e.wg.Wait()

	if qerr := e.queue.Close(); qerr != nil && err == nil {
		err = qerr
	}
	if serr := e.store.Close(); serr != nil && err == nil {
		err = serr
	}

	e.log.Info().Msg("Engine stopped")
	return err
}

// onJobReady flips a job whose backoff delay elapsed back to PENDING, so
// status queries between requeue and the next worker claim see the
// documented state. Claim races are benign: the store also admits
// RETRYING to RUNNING directly.
func (e *Engine) onJobReady(jobID string) {
	_, _ = e.store.Update(context.Background(), jobID, func(rec *job.Job) error {
		if rec.Status == job.StatusRetrying {
			rec.Status = job.StatusPending
		}
		return nil
	})
}

// collectQueueDepth refreshes the queue depth gauge every few seconds,
// so dashboards can watch backlogs grow and drain.
func (e *Engine) collectQueueDepth() {
	defer e.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if depth, err := e.queue.Len(context.Background()); err == nil {
				metrics.QueueDepth.Set(float64(depth))
			}
		}
	}
}
