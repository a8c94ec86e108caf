// Package pipeline chains dependent jobs into ordered multi-stage runs.
// All stages of one run share a correlation id; each stage's success
// enqueues the next stage with the prior stage's result as input, and any
// stage failure aborts the remaining stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/taskflow/pkg/job"
	"github.com/guido-cesarano/taskflow/pkg/logger"
)

var (
	// ErrNotFound is returned when no run exists for a correlation id.
	ErrNotFound = errors.New("pipeline: run not found")
	// ErrUnknownPipeline is returned when starting an undefined pipeline.
	ErrUnknownPipeline = errors.New("pipeline: pipeline not defined")
	// ErrDuplicatePipeline is returned when a name is defined twice.
	ErrDuplicatePipeline = errors.New("pipeline: pipeline already defined")
)

// State is the aggregate lifecycle state of one pipeline run.
type State string

const (
	// StateRunning means some stage of the run is pending or executing.
	StateRunning State = "RUNNING"
	// StateCompleted means the final stage succeeded. Terminal.
	StateCompleted State = "COMPLETED"
	// StateFailed means some stage failed permanently; the remaining
	// stages were never enqueued. Terminal.
	StateFailed State = "FAILED"
)

// Run is one execution of a defined pipeline.
type Run struct {
	// CorrelationID identifies the run and tags every stage job.
	CorrelationID string `json:"correlation_id"`

	// Name is the pipeline definition this run executes.
	Name string `json:"name"`

	// Stages is the ordered list of stage job types.
	Stages []string `json:"stages"`

	// StageIndex is the index of the stage currently in flight.
	StageIndex int `json:"stage_index"`

	// StageJobIDs holds the job id of every stage enqueued so far, so
	// prior stages' results stay reachable for diagnostics.
	StageJobIDs []string `json:"stage_job_ids"`

	State State  `json:"state"`
	Error string `json:"error,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SubmitFunc enqueues one stage job through the engine's submission path.
type SubmitFunc func(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (string, error)

// Coordinator owns pipeline definitions and live runs, and advances runs
// as the worker pool reports stage outcomes. It implements the pool's
// Observer interface.
type Coordinator struct {
	mu     sync.Mutex
	defs   map[string][]string
	runs   map[string]*Run
	submit SubmitFunc
	log    zerolog.Logger
}

// New creates a Coordinator that submits stage jobs through submit.
func New(submit SubmitFunc) *Coordinator {
	return &Coordinator{
		defs:   make(map[string][]string),
		runs:   make(map[string]*Run),
		submit: submit,
		log:    logger.Log,
	}
}

// Define registers a named pipeline as an ordered list of stage job types.
// Definitions are expected at startup, like handler registration.
func (c *Coordinator) Define(name string, stages []string) error {
	if name == "" {
		return fmt.Errorf("pipeline: empty pipeline name")
	}
	if len(stages) == 0 {
		return fmt.Errorf("pipeline: pipeline %q has no stages", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.defs[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicatePipeline, name)
	}
	c.defs[name] = append([]string(nil), stages...)
	return nil
}

// Start creates a run of the named pipeline with a fresh correlation id
// and enqueues its first stage with the given payload.
func (c *Coordinator) Start(ctx context.Context, name string, payload []byte) (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stages, ok := c.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, name)
	}

	run := &Run{
		CorrelationID: uuid.New().String(),
		Name:          name,
		Stages:        append([]string(nil), stages...),
		State:         StateRunning,
		StartedAt:     time.Now().UTC(),
	}

	jobID, err := c.submit(ctx, stages[0], payload, job.WithCorrelationID(run.CorrelationID))
	if err != nil {
		return nil, fmt.Errorf("pipeline: start %q: %w", name, err)
	}
	run.StageJobIDs = append(run.StageJobIDs, jobID)
	c.runs[run.CorrelationID] = run

	c.log.Info().
		Str("correlation_id", run.CorrelationID).
		Str("pipeline", name).
		Int("stages", len(stages)).
		Msg("Pipeline started")

	return snapshot(run), nil
}

// Get returns a snapshot of the run identified by correlationID.
func (c *Coordinator) Get(correlationID string) (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.runs[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot(run), nil
}

// OnJobCompleted advances the run: the next stage is enqueued with the
// completed stage's result as its payload, or the run completes after the
// final stage. Implements worker.Observer.
func (c *Coordinator) OnJobCompleted(ctx context.Context, j *job.Job) {
	if j.CorrelationID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.runs[j.CorrelationID]
	if !ok || run.State != StateRunning {
		return
	}

	if run.StageIndex >= len(run.Stages)-1 {
		now := time.Now().UTC()
		run.State = StateCompleted
		run.CompletedAt = &now
		c.log.Info().
			Str("correlation_id", run.CorrelationID).
			Str("pipeline", run.Name).
			Msg("Pipeline completed")
		return
	}

	run.StageIndex++
	next := run.Stages[run.StageIndex]

	jobID, err := c.submit(ctx, next, j.Result, job.WithCorrelationID(run.CorrelationID))
	if err != nil {
		now := time.Now().UTC()
		run.State = StateFailed
		run.Error = fmt.Sprintf("enqueue stage %q: %v", next, err)
		run.CompletedAt = &now
		c.log.Error().Err(err).
			Str("correlation_id", run.CorrelationID).
			Str("stage", next).
			Msg("Pipeline failed to enqueue next stage")
		return
	}
	run.StageJobIDs = append(run.StageJobIDs, jobID)

	c.log.Info().
		Str("correlation_id", run.CorrelationID).
		Str("pipeline", run.Name).
		Str("stage", next).
		Int("stage_index", run.StageIndex).
		Msg("Pipeline advanced")
}

// OnJobFailed aborts the run: its state becomes FAILED and no further
// stages are enqueued. Prior stages' results remain queryable through the
// status store. Implements worker.Observer.
func (c *Coordinator) OnJobFailed(_ context.Context, j *job.Job) {
	if j.CorrelationID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.runs[j.CorrelationID]
	if !ok || run.State != StateRunning {
		return
	}

	now := time.Now().UTC()
	run.State = StateFailed
	run.Error = j.LastError
	run.CompletedAt = &now

	c.log.Error().
		Str("correlation_id", run.CorrelationID).
		Str("pipeline", run.Name).
		Str("stage", run.Stages[run.StageIndex]).
		Str("last_error", j.LastError).
		Msg("Pipeline failed")
}

// snapshot copies a run so callers cannot race with the coordinator.
func snapshot(run *Run) *Run {
	cp := *run
	cp.Stages = append([]string(nil), run.Stages...)
	cp.StageJobIDs = append([]string(nil), run.StageJobIDs...)
	return &cp
}
