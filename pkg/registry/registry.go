// Package registry maps job types to their handlers. Registration is
// expected at startup, before any job of that type is submitted; resolving
// an unregistered type is a configuration error and the engine fails such
// jobs immediately without retrying.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/guido-cesarano/taskflow/pkg/job"
)

var (
	// ErrNotFound is returned when no handler is registered for a type.
	ErrNotFound = errors.New("registry: handler not found")
	// ErrDuplicateType is returned when a type is registered twice.
	ErrDuplicateType = errors.New("registry: type already registered")
	// ErrBadPayload marks a payload that cannot be decoded for its
	// handler. This is a configuration failure: the worker fails the job
	// immediately instead of retrying.
	ErrBadPayload = errors.New("registry: malformed payload")
)

// Registry is a concurrency-safe lookup table of job type to handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]job.Handler
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		handlers: make(map[string]job.Handler),
	}
}

// Register binds a handler to a job type. Registering the same type twice
// is an error so that misconfigured startup wiring fails loudly.
func (r *Registry) Register(jobType string, h job.Handler) error {
	if jobType == "" {
		return fmt.Errorf("registry: empty job type")
	}
	if h == nil {
		return fmt.Errorf("registry: nil handler for type %q", jobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateType, jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// Resolve returns the handler bound to jobType, or ErrNotFound.
func (r *Registry) Resolve(jobType string) (job.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, jobType)
	}
	return h, nil
}

// Types returns all registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// RegisterJSON registers a typed handler whose payload is JSON-decoded
// into T before invocation. The typed handler is wrapped in a closure at
// registration time; a payload that does not decode is reported as
// ErrBadPayload, which the worker treats as a permanent failure.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterJSON[T any](r *Registry, jobType string, h func(ctx context.Context, input T) ([]byte, error)) error {
	return r.Register(jobType, func(ctx context.Context, payload []byte) ([]byte, error) {
		var input T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &input); err != nil {
				return nil, fmt.Errorf("%w: decode payload for %q: %v", ErrBadPayload, jobType, err)
			}
		}
		return h(ctx, input)
	})
}
