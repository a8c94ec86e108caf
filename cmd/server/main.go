// Package main runs the taskflow HTTP API server: an in-process job
// engine plus a REST surface to submit jobs, query their status, start
// pipelines, and register schedules.
//
// API Endpoints:
//
//	POST /submit           - Submit a job
//	GET  /status?id=       - Fetch a job record
//	POST /cancel?id=       - Cancel a still-pending job
//	POST /pipelines/start  - Start a run of a defined pipeline
//	GET  /pipelines/status?correlation_id= - Fetch a run
//	POST /schedule         - Register a cron schedule
//	GET  /stats            - Queue depth and per-status counts
//
// Configuration comes from the environment: REDIS_ADDR switches the
// backends from in-memory to Redis, API_KEY enables authentication,
// METRICS_ADDR exposes Prometheus metrics (default :9091).
//
// The server listens on :8081.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/taskflow/pkg/engine"
	"github.com/guido-cesarano/taskflow/pkg/logger"
	"github.com/guido-cesarano/taskflow/pkg/metrics"
	"github.com/guido-cesarano/taskflow/pkg/pipeline"
	"github.com/guido-cesarano/taskflow/pkg/registry"
	"github.com/guido-cesarano/taskflow/pkg/store"
)

// authMiddleware wraps an http.HandlerFunc and enforces API key
// authentication. An empty key disables the check (dev mode).
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requiredKey == "" {
			next(w, r)
			return
		}

		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers. Applied
// outside auth so preflight OPTIONS requests never fail the key check.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// setupRouter configures the HTTP handlers and returns the mux. Every
// endpoint is wrapped CORS -> auth -> handler.
func setupRouter(eng *engine.Engine, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/submit", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		jobID, err := eng.Submit(r.Context(), req.Type, req.Payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
	}, apiKey)))

	mux.HandleFunc("/status", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		jobID := r.URL.Query().Get("id")
		if jobID == "" {
			http.Error(w, "Missing job ID", http.StatusBadRequest)
			return
		}

		rec, err := eng.Status(r.Context(), jobID)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, rec)
	}, apiKey)))

	mux.HandleFunc("/cancel", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		jobID := r.URL.Query().Get("id")
		if jobID == "" {
			http.Error(w, "Missing job ID", http.StatusBadRequest)
			return
		}

		if err := eng.Cancel(r.Context(), jobID); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		fmt.Fprintf(w, "Job cancelled: %s\n", jobID)
	}, apiKey)))

	mux.HandleFunc("/pipelines/start", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Name    string          `json:"name"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		run, err := eng.StartPipeline(r.Context(), req.Name, req.Payload)
		if errors.Is(err, pipeline.ErrUnknownPipeline) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, run)
	}, apiKey)))

	mux.HandleFunc("/pipelines/status", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.URL.Query().Get("correlation_id")
		if correlationID == "" {
			http.Error(w, "Missing correlation ID", http.StatusBadRequest)
			return
		}

		run, err := eng.PipelineStatus(correlationID)
		if errors.Is(err, pipeline.ErrNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, run)
	}, apiKey)))

	mux.HandleFunc("/schedule", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Spec    string          `json:"spec"` // cron expression, e.g. "@every 1m"
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		entryID, err := eng.Cron(req.Spec, req.Type, func() []byte { return req.Payload })
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid cron spec: %v", err), http.StatusBadRequest)
			return
		}

		fmt.Fprintf(w, "Job scheduled with EntryID: %d\n", entryID)
	}, apiKey)))

	mux.HandleFunc("/stats", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		stats, err := eng.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, stats)
	}, apiKey)))

	return mux
}

// registerHandlers binds the built-in job types. Real deployments embed
// the engine and register their own.
func registerHandlers(eng *engine.Engine) {
	type emailPayload struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
	}
	registry.RegisterJSON(eng.Registry(), "email", func(_ context.Context, p emailPayload) ([]byte, error) {
		logger.Log.Info().Str("to", p.To).Str("subject", p.Subject).Msg("Sending email")
		time.Sleep(100 * time.Millisecond) // simulate SMTP latency
		return []byte(fmt.Sprintf(`{"delivered_to":%q}`, p.To)), nil
	})

	type reportPayload struct {
		Name string `json:"name"`
	}
	registry.RegisterJSON(eng.Registry(), "report", func(_ context.Context, p reportPayload) ([]byte, error) {
		logger.Log.Info().Str("name", p.Name).Msg("Generating report")
		time.Sleep(200 * time.Millisecond)
		return []byte(fmt.Sprintf(`{"report":%q,"rows":42}`, p.Name)), nil
	})

	eng.Register("cleanup", func(_ context.Context, _ []byte) ([]byte, error) {
		logger.Log.Info().Msg("Running cleanup")
		return nil, nil
	})
}

func main() {
	cfg := engine.DefaultConfig()

	var opts []engine.Option
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		logger.Log.Info().Str("addr", addr).Msg("Using Redis backends")
		opts = append(opts, engine.WithRedis(addr))
	}

	eng := engine.New(cfg, opts...)
	registerHandlers(eng)

	// Demo pipeline: generate a report, then mail it.
	if err := eng.DefinePipeline("report_and_mail", []string{"report", "email"}); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to define pipeline")
	}

	eng.Start()

	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9091"
	}
	metrics.StartServer(metricsAddr)

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	srv := &http.Server{
		Addr:    ":8081",
		Handler: setupRouter(eng, apiKey),
	}

	go func() {
		logger.Log.Info().Msg("Server listening on :8081")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("Engine shutdown failed")
	}
}
