// Package main provides a benchmark tool for taskflow to measure job
// processing throughput. It submits a large number of no-op jobs to an
// in-process engine and measures completion time.
//
// Usage:
//
//	go run benchmark/main.go -jobs 100000 -workers 8
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/taskflow/pkg/engine"
	"github.com/guido-cesarano/taskflow/pkg/job"
)

func main() {
	numJobs := flag.Int("jobs", 100000, "Number of jobs to submit")
	numWorkers := flag.Int("workers", 8, "Engine worker concurrency")
	numSubmitters := flag.Int("submitters", 10, "Concurrent submitting goroutines")
	redisAddr := flag.String("redis", "", "Redis address; empty uses in-memory backends")
	flag.Parse()

	cfg := engine.DefaultConfig()
	cfg.Workers = *numWorkers
	cfg.PollInterval = time.Millisecond

	var opts []engine.Option
	if *redisAddr != "" {
		opts = append(opts, engine.WithRedis(*redisAddr))
	}

	eng := engine.New(cfg, opts...)
	eng.Register("benchmark", func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, nil
	})
	eng.Start()
	defer eng.Stop(context.Background())

	ctx := context.Background()

	fmt.Printf("Taskflow Benchmark\n")
	fmt.Printf("==================\n")
	fmt.Printf("Jobs to submit: %d\n", *numJobs)
	fmt.Printf("Engine workers: %d\n", *numWorkers)
	fmt.Printf("Submitters: %d\n\n", *numSubmitters)

	// Submit phase
	fmt.Printf("Starting submit phase...\n")
	startSubmit := time.Now()

	var wg sync.WaitGroup
	var submitted atomic.Int64
	jobsPerSubmitter := *numJobs / *numSubmitters

	for i := 0; i < *numSubmitters; i++ {
		wg.Add(1)
		go func(submitterID int) {
			defer wg.Done()
			for j := 0; j < jobsPerSubmitter; j++ {
				payload := []byte(fmt.Sprintf(`{"submitter":%d,"seq":%d}`, submitterID, j))
				if _, err := eng.Submit(ctx, "benchmark", payload); err != nil {
					fmt.Printf("Error submitting: %v\n", err)
					os.Exit(1)
				}
				submitted.Add(1)
			}
		}(i)
	}

	wg.Wait()
	submitTime := time.Since(startSubmit)

	fmt.Printf("✓ Submitted %d jobs in %s\n", submitted.Load(), submitTime)
	fmt.Printf("  Throughput: %.2f jobs/sec\n\n", float64(submitted.Load())/submitTime.Seconds())

	// Wait for processing
	fmt.Printf("Waiting for all jobs to be processed...\n")
	startProcess := time.Now()

	for {
		stats, err := eng.Stats(ctx)
		if err != nil {
			fmt.Printf("Error reading stats: %v\n", err)
			os.Exit(1)
		}

		remaining := stats.QueueDepth +
			stats.Statuses[job.StatusRunning] +
			stats.Statuses[job.StatusRetrying]
		if remaining == 0 && stats.Statuses[job.StatusCompleted] >= submitted.Load() {
			break
		}

		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d jobs\n", remaining)
	}

	processTime := time.Since(startProcess)

	fmt.Printf("\n✓ All jobs processed in %s\n", processTime)
	fmt.Printf("  Throughput: %.2f jobs/sec\n", float64(*numJobs)/processTime.Seconds())

	totalTime := submitTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f jobs/sec\n", float64(*numJobs)/totalTime.Seconds())
}
