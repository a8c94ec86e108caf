// Package job defines the core data structures of the taskflow engine.
// A Job is one unit of work: a typed payload plus the lifecycle metadata
// the engine tracks while the job moves through the queue and workers.
package job

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job. Transitions only move forward
// through the state machine; Completed and Failed are terminal.
type Status string

const (
	// StatusPending means the job is waiting in the queue for a worker.
	StatusPending Status = "PENDING"
	// StatusRunning means a worker is currently executing the job.
	StatusRunning Status = "RUNNING"
	// StatusRetrying means the job failed and is waiting out its backoff
	// delay before becoming eligible again.
	StatusRetrying Status = "RETRYING"
	// StatusCompleted means the job finished successfully. Terminal.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed means the job failed permanently. Terminal.
	StatusFailed Status = "FAILED"
)

// Terminal reports whether s is a final state. A job record never
// mutates again after reaching a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// transitions encodes the forward-only state machine. RETRYING admits
// both PENDING (the delayed requeue became visible) and RUNNING (a worker
// claimed the job before the visibility flip was observed).
var transitions = map[Status]map[Status]bool{
	StatusPending:  {StatusRunning: true, StatusFailed: true},
	StatusRunning:  {StatusCompleted: true, StatusRetrying: true, StatusFailed: true},
	StatusRetrying: {StatusPending: true, StatusRunning: true},
}

// CanTransition reports whether moving from s to next is a legal
// forward step of the job state machine.
func (s Status) CanTransition(next Status) bool {
	return transitions[s][next]
}

// Job represents a unit of work processed by the taskflow engine.
//
// The Type field routes the job to a registered handler, Payload carries
// the handler-specific data, and Attempts counts how many times a handler
// has failed on this job. CorrelationID groups the jobs belonging to one
// pipeline run; it is empty for standalone jobs.
type Job struct {
	// ID is the unique identifier of the job, generated at submission.
	ID string `json:"id"`

	// Type names the registered handler that will execute this job.
	Type string `json:"type"`

	// Payload is the opaque handler input, usually JSON.
	Payload []byte `json:"payload,omitempty"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Attempts counts handler failures so far. It never exceeds the
	// configured maximum number of retries.
	Attempts int `json:"attempts"`

	// CorrelationID groups the stages of one pipeline run. Empty for
	// jobs that are not part of a pipeline.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Result is the opaque handler output, set when the job completes.
	Result []byte `json:"result,omitempty"`

	// LastError holds the most recent handler error. Every permanently
	// failed job carries a non-empty LastError.
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a pending job of the given type with a fresh UUID and
// creation timestamp.
func New(jobType string, payload []byte, opts ...Option) *Job {
	now := time.Now().UTC()
	j := &Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Option customizes a job at creation time.
type Option func(*Job)

// WithCorrelationID tags the job as a stage of the pipeline run
// identified by id.
func WithCorrelationID(id string) Option {
	return func(j *Job) { j.CorrelationID = id }
}

// Handler is the business-logic function bound to a job type. It receives
// the job payload and returns an opaque result or an error. Handlers
// should honor ctx cancellation when the engine enforces a per-job
// timeout.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)
