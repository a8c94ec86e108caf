package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/guido-cesarano/taskflow/pkg/job"
)

// Memory is an in-memory Queue: a FIFO slice of visible jobs plus a
// min-heap of delayed entries that are promoted when their time arrives.
// Promotion happens on every Dequeue poll, so no timer goroutine is needed.
type Memory struct {
	mu      sync.Mutex
	visible []*job.Job
	delayed delayedHeap
	seq     int
	closed  bool
	onReady ReadyFunc
}

var _ Queue = (*Memory)(nil)

// MemoryOption configures a Memory queue.
type MemoryOption func(*Memory)

// WithReadyFunc sets the callback fired when a delayed job becomes visible.
func WithReadyFunc(f ReadyFunc) MemoryOption {
	return func(m *Memory) { m.onReady = f }
}

// NewMemory returns an empty in-memory queue.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue appends a snapshot of the job to the visible set.
func (m *Memory) Enqueue(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	cp := *j
	m.visible = append(m.visible, &cp)
	return nil
}

// EnqueueAfter schedules the job to become visible after delay.
func (m *Memory) EnqueueAfter(ctx context.Context, j *job.Job, delay time.Duration) error {
	if delay <= 0 {
		return m.Enqueue(ctx, j)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	cp := *j
	m.seq++
	heap.Push(&m.delayed, &delayedEntry{job: &cp, readyAt: time.Now().Add(delay), seq: m.seq})
	return nil
}

// Dequeue promotes due delayed jobs and pops the head of the visible set.
func (m *Memory) Dequeue(_ context.Context) (*job.Job, error) {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}

	promoted := m.promoteDue(time.Now())

	var j *job.Job
	if len(m.visible) > 0 {
		j = m.visible[0]
		m.visible = m.visible[1:]
	}
	onReady := m.onReady
	m.mu.Unlock()

	// Fire ready callbacks outside the lock: the engine's callback takes
	// the store lock and must not nest inside ours.
	if onReady != nil {
		for _, id := range promoted {
			onReady(id)
		}
	}

	if j == nil {
		return nil, ErrEmpty
	}
	return j, nil
}

// promoteDue moves delayed entries whose time has come into the visible
// set, preserving their scheduled order. Caller holds the lock.
func (m *Memory) promoteDue(now time.Time) []string {
	var ids []string
	for m.delayed.Len() > 0 && !m.delayed[0].readyAt.After(now) {
		entry := heap.Pop(&m.delayed).(*delayedEntry)
		m.visible = append(m.visible, entry.job)
		ids = append(ids, entry.job.ID)
	}
	return ids
}

// Remove drops a not-yet-claimed job from either the visible set or the
// delayed heap.
func (m *Memory) Remove(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, j := range m.visible {
		if j.ID == jobID {
			m.visible = append(m.visible[:i], m.visible[i+1:]...)
			return true, nil
		}
	}
	for i, entry := range m.delayed {
		if entry.job.ID == jobID {
			heap.Remove(&m.delayed, i)
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of queued jobs, delayed ones included.
func (m *Memory) Len(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.visible) + m.delayed.Len()), nil
}

// Close marks the queue closed; queued jobs are discarded.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.visible = nil
	m.delayed = nil
	return nil
}

// delayedEntry is a job waiting for its visibility time. seq breaks ties
// so equal-time entries keep insertion order.
type delayedEntry struct {
	job     *job.Job
	readyAt time.Time
	seq     int
}

type delayedHeap []*delayedEntry

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, k int) bool {
	if h[i].readyAt.Equal(h[k].readyAt) {
		return h[i].seq < h[k].seq
	}
	return h[i].readyAt.Before(h[k].readyAt)
}

func (h delayedHeap) Swap(i, k int) { h[i], h[k] = h[k], h[i] }

func (h *delayedHeap) Push(x any) {
	*h = append(*h, x.(*delayedEntry))
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}
