package job

import "testing"

func TestNewDefaults(t *testing.T) {
	j := New("email", []byte(`{"to":"a@b.c"}`))

	if j.ID == "" {
		t.Error("Expected a generated id")
	}
	if j.Status != StatusPending {
		t.Errorf("Expected PENDING, got %s", j.Status)
	}
	if j.Attempts != 0 {
		t.Errorf("Expected 0 attempts, got %d", j.Attempts)
	}
	if j.CorrelationID != "" {
		t.Errorf("Expected empty correlation id, got %q", j.CorrelationID)
	}
	if j.CreatedAt.IsZero() || !j.CreatedAt.Equal(j.UpdatedAt) {
		t.Error("Expected CreatedAt set and equal to UpdatedAt")
	}

	other := New("email", nil)
	if other.ID == j.ID {
		t.Error("Expected distinct ids per job")
	}
}

func TestWithCorrelationID(t *testing.T) {
	j := New("resize", nil, WithCorrelationID("run-1"))
	if j.CorrelationID != "run-1" {
		t.Errorf("Expected run-1, got %q", j.CorrelationID)
	}
}

func TestTerminal(t *testing.T) {
	for s, want := range map[Status]bool{
		StatusPending:   false,
		StatusRunning:   false,
		StatusRetrying:  false,
		StatusCompleted: true,
		StatusFailed:    true,
	} {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusRunning},
		{StatusPending, StatusFailed},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusRetrying},
		{StatusRunning, StatusFailed},
		{StatusRetrying, StatusPending},
		{StatusRetrying, StatusRunning},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransition(tr.to) {
			t.Errorf("Expected %s -> %s to be allowed", tr.from, tr.to)
		}
	}

	forbidden := []struct{ from, to Status }{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusRetrying},
		{StatusCompleted, StatusRunning},
		{StatusCompleted, StatusPending},
		{StatusFailed, StatusRunning},
		{StatusFailed, StatusPending},
		{StatusRetrying, StatusCompleted},
		{StatusRetrying, StatusFailed},
	}
	for _, tr := range forbidden {
		if tr.from.CanTransition(tr.to) {
			t.Errorf("Expected %s -> %s to be rejected", tr.from, tr.to)
		}
	}
}
