package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guido-cesarano/taskflow/pkg/backoff"
	"github.com/guido-cesarano/taskflow/pkg/job"
	"github.com/guido-cesarano/taskflow/pkg/queue"
	"github.com/guido-cesarano/taskflow/pkg/registry"
	"github.com/guido-cesarano/taskflow/pkg/store"
)

// harness bundles the in-memory fixtures a pool test needs.
type harness struct {
	store *store.Memory
	queue *queue.Memory
	reg   *registry.Registry
	pool  *Pool
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		store: store.NewMemory(),
		queue: queue.NewMemory(),
		reg:   registry.New(),
	}

	base := []Option{
		WithConcurrency(2),
		WithPollInterval(2 * time.Millisecond),
		WithBackoff(backoff.Policy{Base: time.Millisecond}),
		WithMaxRetries(3),
	}
	h.pool = NewPool(h.queue, h.store, h.reg, append(base, opts...)...)
	h.pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.pool.Stop(ctx)
	})
	return h
}

// submit creates a pending record and makes it visible, the same way the
// engine's submission path does.
func (h *harness) submit(t *testing.T, j *job.Job) {
	t.Helper()
	ctx := context.Background()
	if err := h.store.Create(ctx, j); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := h.queue.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
}

// waitTerminal polls the store until the job reaches a terminal state.
func (h *harness) waitTerminal(t *testing.T, jobID string) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := h.store.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if rec.Status.Terminal() {
			return rec
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Job %s never reached a terminal state", jobID)
	return nil
}

func TestFailOnceThenSucceed(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32
	h.reg.Register("flaky", func(_ context.Context, _ []byte) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient glitch")
		}
		return []byte("ok"), nil
	})

	j := job.New("flaky", nil)
	h.submit(t, j)

	got := h.waitTerminal(t, j.ID)
	if got.Status != job.StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s (lastError: %s)", got.Status, got.LastError)
	}
	if got.Attempts != 1 {
		t.Errorf("Expected attempts=1, got %d", got.Attempts)
	}
	if string(got.Result) != "ok" {
		t.Errorf("Expected result 'ok', got %q", got.Result)
	}
}

func TestAlwaysFailingExhaustsRetries(t *testing.T) {
	h := newHarness(t)

	h.reg.Register("doomed", func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("permanent breakage")
	})

	j := job.New("doomed", nil)
	h.submit(t, j)

	got := h.waitTerminal(t, j.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("Expected FAILED, got %s", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("Expected attempts=3 (maxRetries), got %d", got.Attempts)
	}
	if got.LastError == "" {
		t.Error("Failed job must carry a non-empty lastError")
	}
}

func TestUnregisteredTypeFailsImmediately(t *testing.T) {
	h := newHarness(t)

	j := job.New("unregistered_type", nil)
	h.submit(t, j)

	got := h.waitTerminal(t, j.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("Expected FAILED, got %s", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("Configuration failure must not consume retries, attempts=%d", got.Attempts)
	}
	if !strings.Contains(got.LastError, "unknown job type") {
		t.Errorf("Expected 'unknown job type' in lastError, got %q", got.LastError)
	}
}

func TestMalformedPayloadFailsImmediately(t *testing.T) {
	h := newHarness(t)

	type input struct {
		N int `json:"n"`
	}
	registry.RegisterJSON(h.reg, "typed", func(_ context.Context, _ input) ([]byte, error) {
		return nil, nil
	})

	j := job.New("typed", []byte("not json"))
	h.submit(t, j)

	got := h.waitTerminal(t, j.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("Expected FAILED, got %s", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("Malformed payload must not consume retries, attempts=%d", got.Attempts)
	}
}

func TestHundredConcurrentJobs(t *testing.T) {
	h := newHarness(t, WithConcurrency(4))

	var mu sync.Mutex
	processed := make(map[string]int)
	h.reg.Register("bulk", func(_ context.Context, payload []byte) ([]byte, error) {
		mu.Lock()
		processed[string(payload)]++
		mu.Unlock()
		return []byte("done"), nil
	})

	const n = 100
	ids := make([]string, 0, n)
	var wg sync.WaitGroup
	var idsMu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j := job.New("bulk", []byte(fmt.Sprintf("job-%d", i)))
			h.submit(t, j)
			idsMu.Lock()
			ids = append(ids, j.ID)
			idsMu.Unlock()
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		got := h.waitTerminal(t, id)
		if got.Status != job.StatusCompleted {
			t.Errorf("Job %s: expected COMPLETED, got %s", id, got.Status)
		}
	}

	completed, _ := h.store.Count(context.Background(), job.StatusCompleted)
	if completed != n {
		t.Errorf("Expected %d COMPLETED records, got %d", n, completed)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(processed) != n {
		t.Errorf("Expected %d distinct payloads processed, got %d", n, len(processed))
	}
	for payload, count := range processed {
		if count != 1 {
			t.Errorf("Payload %s processed %d times", payload, count)
		}
	}
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	h := newHarness(t, WithMaxRetries(1))

	h.reg.Register("explosive", func(_ context.Context, _ []byte) ([]byte, error) {
		panic("kaboom")
	})

	j := job.New("explosive", nil)
	h.submit(t, j)

	got := h.waitTerminal(t, j.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("Expected FAILED, got %s", got.Status)
	}
	if !strings.Contains(got.LastError, "panic") {
		t.Errorf("Expected panic in lastError, got %q", got.LastError)
	}

	// The pool must survive: the next job still gets processed.
	h.reg.Register("fine", func(_ context.Context, _ []byte) ([]byte, error) {
		return []byte("ok"), nil
	})
	next := job.New("fine", nil)
	h.submit(t, next)
	if got := h.waitTerminal(t, next.ID); got.Status != job.StatusCompleted {
		t.Errorf("Pool did not survive the panic, got %s", got.Status)
	}
}

func TestTimeoutFollowsRetryPath(t *testing.T) {
	h := newHarness(t,
		WithMaxRetries(1),
		WithPerJobTimeout(20*time.Millisecond),
	)

	h.reg.Register("sluggish", func(ctx context.Context, _ []byte) ([]byte, error) {
		select {
		case <-time.After(time.Second):
			return []byte("too late"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	j := job.New("sluggish", nil)
	h.submit(t, j)

	got := h.waitTerminal(t, j.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("Expected FAILED after timeout retries, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Timeout must consume the retry budget, attempts=%d", got.Attempts)
	}
	if !strings.Contains(got.LastError, "timed out") {
		t.Errorf("Expected timeout in lastError, got %q", got.LastError)
	}
}

// recordingObserver captures terminal notifications.
type recordingObserver struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (o *recordingObserver) OnJobCompleted(_ context.Context, j *job.Job) {
	o.mu.Lock()
	o.completed = append(o.completed, j.ID)
	o.mu.Unlock()
}

func (o *recordingObserver) OnJobFailed(_ context.Context, j *job.Job) {
	o.mu.Lock()
	o.failed = append(o.failed, j.ID)
	o.mu.Unlock()
}

func TestObserverNotifications(t *testing.T) {
	obs := &recordingObserver{}
	h := newHarness(t, WithObserver(obs), WithMaxRetries(1))

	h.reg.Register("good", func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, nil
	})
	h.reg.Register("bad", func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("nope")
	})

	good := job.New("good", nil)
	bad := job.New("bad", nil)
	h.submit(t, good)
	h.submit(t, bad)
	h.waitTerminal(t, good.ID)
	h.waitTerminal(t, bad.ID)

	// Notifications fire right after the store update; give them a beat.
	time.Sleep(20 * time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.completed) != 1 || obs.completed[0] != good.ID {
		t.Errorf("Expected completed notification for %s, got %v", good.ID, obs.completed)
	}
	if len(obs.failed) != 1 || obs.failed[0] != bad.ID {
		t.Errorf("Expected failed notification for %s, got %v", bad.ID, obs.failed)
	}
}

func TestAttemptsNeverExceedMaxRetries(t *testing.T) {
	h := newHarness(t, WithMaxRetries(2))

	h.reg.Register("doomed", func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("always")
	})

	j := job.New("doomed", nil)
	h.submit(t, j)

	got := h.waitTerminal(t, j.ID)
	if got.Attempts > 2 {
		t.Errorf("attempts=%d exceeds maxRetries=2", got.Attempts)
	}
}
