// Package queue holds runnable jobs until a worker claims them. Jobs are
// visible in submission order (FIFO); a job enqueued with a delay becomes
// visible only after the delay elapses. The queue holds transient
// runnable snapshots — the status store remains the source of truth for
// job state.
//
// Two backends are provided: an in-memory queue (the engine default) and
// a Redis-backed queue using a list for the visible set and a sorted set
// for delayed jobs, drained by a Lua mover.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/guido-cesarano/taskflow/pkg/job"
)

var (
	// ErrEmpty is returned by Dequeue when no job is eligible.
	ErrEmpty = errors.New("queue: no job available")
	// ErrClosed is returned when operating on a closed queue.
	ErrClosed = errors.New("queue: closed")
)

// ReadyFunc is invoked with a job id when a delayed job becomes visible,
// letting the engine flip the job back to PENDING before a worker claims it.
type ReadyFunc func(jobID string)

// Queue is the visible set of runnable jobs. Implementations are safe for
// concurrent enqueue and dequeue.
type Queue interface {
	// Enqueue makes the job immediately visible at the tail of the queue.
	Enqueue(ctx context.Context, j *job.Job) error

	// EnqueueAfter makes the job visible once delay has elapsed.
	// Scheduling the delay never blocks the caller.
	EnqueueAfter(ctx context.Context, j *job.Job, delay time.Duration) error

	// Dequeue removes and returns the next visible job. It does not
	// block: when nothing is eligible it returns ErrEmpty and the caller
	// polls again.
	Dequeue(ctx context.Context) (*job.Job, error)

	// Remove drops a not-yet-claimed job from the queue. Reports whether
	// the job was found.
	Remove(ctx context.Context, jobID string) (bool, error)

	// Len returns the number of queued jobs, delayed ones included.
	Len(ctx context.Context) (int64, error)

	// Close releases backend resources and stops background goroutines.
	Close() error
}
