package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guido-cesarano/taskflow/pkg/engine"
	"github.com/guido-cesarano/taskflow/pkg/job"
)

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.PollInterval = 2 * time.Millisecond
	eng := engine.New(cfg)
	eng.Register("email", func(_ context.Context, _ []byte) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	})
	eng.Start()
	t.Cleanup(func() { eng.Stop(context.Background()) })
	return eng
}

func TestAuthMiddleware(t *testing.T) {
	eng := testEngine(t)
	apiKey := "secret-key"
	mux := setupRouter(eng, apiKey)

	tests := []struct {
		name           string
		headerKey      string
		headerValue    string
		expectedStatus int
	}{
		{
			name:           "No API Key",
			headerKey:      "",
			headerValue:    "",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Wrong API Key",
			headerKey:      "X-API-Key",
			headerValue:    "wrong-key",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Correct API Key",
			headerKey:      "X-API-Key",
			headerValue:    "secret-key",
			expectedStatus: http.StatusBadRequest, // 400 because body is empty, but auth passed
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/submit", nil)
			if tt.headerKey != "" {
				req.Header.Set(tt.headerKey, tt.headerValue)
			}

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	eng := testEngine(t)
	mux := setupRouter(eng, "")

	req := httptest.NewRequest("POST", "/submit", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code == http.StatusUnauthorized {
		t.Errorf("Expected auth to be disabled, got 401")
	}
}

func TestSubmitAndStatusRoundtrip(t *testing.T) {
	eng := testEngine(t)
	mux := setupRouter(eng, "")

	body := strings.NewReader(`{"type":"email","payload":{"to":"a@b.c"}}`)
	req := httptest.NewRequest("POST", "/submit", body)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if resp.JobID == "" {
		t.Fatal("Expected a job id")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		req := httptest.NewRequest("GET", "/status?id="+resp.JobID, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}

		var rec job.Job
		if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
			t.Fatalf("Bad status body: %v", err)
		}
		if rec.Status == job.StatusCompleted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("Job never completed")
}

func TestStatusUnknownJob(t *testing.T) {
	eng := testEngine(t)
	mux := setupRouter(eng, "")

	req := httptest.NewRequest("GET", "/status?id=nope", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestStartUnknownPipeline(t *testing.T) {
	eng := testEngine(t)
	mux := setupRouter(eng, "")

	body := strings.NewReader(`{"name":"nope","payload":null}`)
	req := httptest.NewRequest("POST", "/pipelines/start", body)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	eng := testEngine(t)
	mux := setupRouter(eng, "")

	body := strings.NewReader(`{"spec":"not a spec","type":"email","payload":null}`)
	req := httptest.NewRequest("POST", "/schedule", body)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	eng := testEngine(t)
	mux := setupRouter(eng, "")

	req := httptest.NewRequest("GET", "/stats", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var stats engine.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("Bad stats body: %v", err)
	}
}
