// Package main runs an embedded miniredis instance for local development,
// so the Redis-backed queue and store can be exercised without a real
// Redis install. Not for production use.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"

	"github.com/guido-cesarano/taskflow/pkg/logger"
)

func main() {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}

	s := miniredis.NewMiniRedis()
	if err := s.StartAddr(addr); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to start miniredis")
	}
	defer s.Close()

	logger.Log.Info().Str("addr", s.Addr()).Msg("MiniRedis server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Log.Info().Msg("Shutting down MiniRedis...")
}
