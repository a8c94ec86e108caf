package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/guido-cesarano/taskflow/pkg/job"
)

// Memory is a fully in-memory Store. It is the engine default and is safe
// for concurrent use. Records survive until deleted; expiring old
// terminal records is the host's concern.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*job.Job),
	}
}

// Create persists a new job record.
func (m *Memory) Create(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

// Get returns a snapshot of the job record.
func (m *Memory) Get(_ context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

// Update atomically applies mutate to the record under the store lock, so
// concurrent writers to the same job are serialized and no update is lost.
func (m *Memory) Update(_ context.Context, id string, mutate Mutator) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	next, err := applyMutation(current, mutate)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	m.jobs[id] = next

	cp := *next
	return &cp, nil
}

// List returns snapshots of all jobs with the given status, ordered by
// creation time for deterministic output.
func (m *Memory) List(_ context.Context, status job.Status) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if status != "" && j.Status != status {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}

// Count returns the number of jobs with the given status.
func (m *Memory) Count(_ context.Context, status job.Status) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if status == "" {
		return int64(len(m.jobs)), nil
	}
	var n int64
	for _, j := range m.jobs {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

// Delete removes a job record.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

// Close is a no-op for the memory store.
func (m *Memory) Close() error { return nil }
