package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/guido-cesarano/taskflow/pkg/job"
)

func TestMemoryCreateAndGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	j := job.New("email", []byte(`{"to":"a@b.c"}`))
	if err := m.Create(ctx, j); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := m.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Type != "email" || got.Status != job.StatusPending {
		t.Errorf("Unexpected record: %+v", got)
	}

	// The returned record is a snapshot: mutating it must not leak back.
	got.Status = job.StatusFailed
	again, _ := m.Get(ctx, j.ID)
	if again.Status != job.StatusPending {
		t.Error("Get must return a copy, not the stored record")
	}
}

func TestMemoryGetUnknownID(t *testing.T) {
	m := NewMemory()

	_, err := m.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryCreateDuplicate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	j := job.New("email", nil)
	if err := m.Create(ctx, j); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := m.Create(ctx, j); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}
}

func TestMemoryUpdateSerializesConcurrentWriters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	j := job.New("counter", nil)
	if err := m.Create(ctx, j); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// 50 goroutines increment Attempts; with lost updates the final
	// count would fall short.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Update(ctx, j.ID, func(rec *job.Job) error {
				rec.Attempts++
				return nil
			})
			if err != nil {
				t.Errorf("Update failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := m.Get(ctx, j.ID)
	if got.Attempts != 50 {
		t.Errorf("Expected 50 attempts, got %d (lost updates)", got.Attempts)
	}
}

func TestMemoryTerminalRecordsAreImmutable(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	j := job.New("email", nil)
	m.Create(ctx, j)
	m.Update(ctx, j.ID, func(rec *job.Job) error {
		rec.Status = job.StatusRunning
		return nil
	})
	m.Update(ctx, j.ID, func(rec *job.Job) error {
		rec.Status = job.StatusCompleted
		rec.Result = []byte("done")
		return nil
	})

	_, err := m.Update(ctx, j.ID, func(rec *job.Job) error {
		rec.Attempts = 99
		return nil
	})
	if !errors.Is(err, ErrTerminalState) {
		t.Errorf("Expected ErrTerminalState, got %v", err)
	}

	got, _ := m.Get(ctx, j.ID)
	if got.Attempts != 0 || string(got.Result) != "done" {
		t.Errorf("Terminal record mutated: %+v", got)
	}
}

func TestMemoryRejectsInvalidTransition(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	j := job.New("email", nil)
	m.Create(ctx, j)

	// PENDING cannot jump straight to COMPLETED.
	_, err := m.Update(ctx, j.ID, func(rec *job.Job) error {
		rec.Status = job.StatusCompleted
		return nil
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestMemoryMutatorErrorAborts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	j := job.New("email", nil)
	m.Create(ctx, j)

	boom := errors.New("boom")
	_, err := m.Update(ctx, j.ID, func(rec *job.Job) error {
		rec.Attempts = 7
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected mutator error, got %v", err)
	}

	got, _ := m.Get(ctx, j.ID)
	if got.Attempts != 0 {
		t.Error("Failed mutation must not be applied")
	}
}

func TestMemoryListAndCount(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.Create(ctx, job.New("email", nil))
	}
	j := job.New("report", nil)
	m.Create(ctx, j)
	m.Update(ctx, j.ID, func(rec *job.Job) error {
		rec.Status = job.StatusRunning
		return nil
	})

	pending, err := m.List(ctx, job.StatusPending)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pending) != 3 {
		t.Errorf("Expected 3 pending jobs, got %d", len(pending))
	}

	n, _ := m.Count(ctx, job.StatusRunning)
	if n != 1 {
		t.Errorf("Expected 1 running job, got %d", n)
	}
	total, _ := m.Count(ctx, "")
	if total != 4 {
		t.Errorf("Expected 4 jobs total, got %d", total)
	}
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	j := job.New("email", nil)
	m.Create(ctx, j)

	if err := m.Delete(ctx, j.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := m.Get(ctx, j.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := m.Delete(ctx, j.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for double delete, got %v", err)
	}
}
