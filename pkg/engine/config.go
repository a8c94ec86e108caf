package engine

import "time"

// Config holds the recognized engine options.
type Config struct {
	// Workers is the number of concurrent worker goroutines.
	Workers int

	// MaxRetries is the retry budget applied to every job. A job's
	// attempt counter never exceeds it.
	MaxRetries int

	// BackoffBase is the delay before the first retry; subsequent
	// retries double it.
	BackoffBase time.Duration

	// BackoffMax caps the computed retry delay. Zero means no cap.
	BackoffMax time.Duration

	// Jitter adds a random term in [0, BackoffBase) to every retry delay.
	Jitter bool

	// PollInterval is how long an idle worker sleeps between queue polls.
	PollInterval time.Duration

	// PerJobTimeout bounds handler execution. Zero disables the timeout.
	PerJobTimeout time.Duration

	// ShutdownTimeout bounds graceful Stop.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		MaxRetries:      3,
		BackoffBase:     500 * time.Millisecond,
		BackoffMax:      time.Minute,
		Jitter:          true,
		PollInterval:    50 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}
