// Package scheduler produces recurring jobs. Two trigger kinds are
// supported: fixed-interval tickers and cron expressions (via
// robfig/cron, including descriptors like "@every 30s"). Every fire goes
// through the same submission path as caller-submitted jobs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/taskflow/pkg/logger"
)

// PayloadFactory builds the payload for each fire of a trigger.
type PayloadFactory func() []byte

// SubmitFunc enqueues one job through the engine's submission path.
type SubmitFunc func(ctx context.Context, jobType string, payload []byte) (string, error)

// trigger is a fixed-interval entry registered before Start.
type trigger struct {
	interval time.Duration
	jobType  string
	factory  PayloadFactory
}

// Scheduler is the timer-driven producer of recurring jobs.
type Scheduler struct {
	submit SubmitFunc
	cron   *cron.Cron
	log    zerolog.Logger

	mu       sync.Mutex
	triggers []trigger
	started  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler that submits jobs through submit.
func New(submit SubmitFunc) *Scheduler {
	return &Scheduler{
		submit: submit,
		cron:   cron.New(),
		log:    logger.Log,
		stopCh: make(chan struct{}),
	}
}

// Every registers a fixed-interval trigger. A tick that fires while the
// previous enqueue is still pending is dropped, not queued twice: the
// ticker emits at most one tick per elapsed interval boundary.
func (s *Scheduler) Every(interval time.Duration, jobType string, factory PayloadFactory) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: non-positive interval %s", interval)
	}
	if factory == nil {
		return fmt.Errorf("scheduler: nil payload factory for type %q", jobType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := trigger{interval: interval, jobType: jobType, factory: factory}
	s.triggers = append(s.triggers, t)
	if s.started {
		s.wg.Add(1)
		go s.runTrigger(t)
	}
	return nil
}

// Cron registers a cron-expression trigger, e.g. "*/5 * * * *" or
// "@every 1m".
func (s *Scheduler) Cron(spec, jobType string, factory PayloadFactory) (cron.EntryID, error) {
	if factory == nil {
		return 0, fmt.Errorf("scheduler: nil payload factory for type %q", jobType)
	}

	return s.cron.AddFunc(spec, func() {
		s.fire(jobType, factory)
	})
}

// Start launches the cron runner and one goroutine per interval trigger.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	s.cron.Start()
	for _, t := range s.triggers {
		s.wg.Add(1)
		go s.runTrigger(t)
	}

	s.log.Info().Int("interval_triggers", len(s.triggers)).Msg("Scheduler started")
}

// Stop halts all triggers and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cron.Stop()
	close(s.stopCh)
	s.wg.Wait()
	s.log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) runTrigger(t trigger) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.fire(t.jobType, t.factory)
		}
	}
}

func (s *Scheduler) fire(jobType string, factory PayloadFactory) {
	jobID, err := s.submit(context.Background(), jobType, factory())
	if err != nil {
		s.log.Error().Err(err).Str("type", jobType).Msg("Failed to enqueue scheduled job")
		return
	}
	s.log.Debug().Str("type", jobType).Str("job_id", jobID).Msg("Scheduled job enqueued")
}
