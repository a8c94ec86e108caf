// Package logger provides the shared zerolog logger for all taskflow
// components.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance.
var Log zerolog.Logger

func init() {
	// JSON output by default for production.
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	// Human-readable console output outside production.
	if os.Getenv("TASKFLOW_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// GetLogger returns the global logger instance.
func GetLogger() zerolog.Logger {
	return Log
}
