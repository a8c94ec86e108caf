// Package store provides the job status store: the single source of truth
// for job state. All job-record mutation goes through a store; no other
// component mutates a Job directly. Two backends are provided: an
// in-memory store (the engine default) and a Redis-backed store.
package store

import (
	"context"
	"errors"

	"github.com/guido-cesarano/taskflow/pkg/job"
)

var (
	// ErrNotFound is returned when no record exists for a job id.
	ErrNotFound = errors.New("store: job not found")
	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("store: job already exists")
	// ErrTerminalState is returned when updating a completed or failed job.
	ErrTerminalState = errors.New("store: job is in a terminal state")
	// ErrInvalidTransition is returned when a mutator moves a job status
	// backward through the state machine.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// Mutator applies an in-place change to a job record. It runs under the
// store's per-job serialization, so concurrent updates to the same job
// never lose writes.
type Mutator func(j *job.Job) error

// Store owns job records and serializes their mutation.
//
// Reads return snapshots: callers may inspect and even modify the
// returned Job without affecting the stored record. Updates to different
// jobs do not block each other beyond short map-level critical sections.
type Store interface {
	// Create persists a new job record.
	Create(ctx context.Context, j *job.Job) error

	// Get returns a snapshot of the job record, or ErrNotFound.
	Get(ctx context.Context, id string) (*job.Job, error)

	// Update atomically applies mutate to the record. The update is
	// rejected with ErrTerminalState if the record already completed or
	// failed, and with ErrInvalidTransition if the mutator changes the
	// status against the state machine. Returns the updated snapshot.
	Update(ctx context.Context, id string, mutate Mutator) (*job.Job, error)

	// List returns snapshots of all jobs with the given status; an empty
	// status matches every job.
	List(ctx context.Context, status job.Status) ([]*job.Job, error)

	// Count returns the number of jobs with the given status; an empty
	// status counts every job.
	Count(ctx context.Context, status job.Status) (int64, error)

	// Delete removes a job record, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// Close releases backend resources.
	Close() error
}

// applyMutation runs mutate against a working copy and validates the
// resulting status change. Shared by both backends.
func applyMutation(current *job.Job, mutate Mutator) (*job.Job, error) {
	if current.Status.Terminal() {
		return nil, ErrTerminalState
	}

	next := *current
	if err := mutate(&next); err != nil {
		return nil, err
	}
	if next.Status != current.Status && !current.Status.CanTransition(next.Status) {
		return nil, ErrInvalidTransition
	}
	return &next, nil
}
