package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guido-cesarano/taskflow/pkg/job"
)

const (
	// redisKeyPrefix namespaces job records in Redis.
	redisKeyPrefix = "taskflow:job:"

	// terminalTTL expires completed and failed records after 24 hours,
	// so the store does not grow without bound.
	terminalTTL = 24 * time.Hour
)

// Redis is a Store backed by a Redis instance. Each job record is a JSON
// blob under "taskflow:job:{id}". Updates to the same job are serialized
// through a per-id lock table, so concurrent writers within the process
// never lose updates; writers to different jobs proceed in parallel.
type Redis struct {
	rdb *redis.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ Store = (*Redis)(nil)

// NewRedis creates a Redis-backed store connected to the given address,
// in the format "host:port" (e.g. "localhost:6379").
func NewRedis(addr string) *Redis {
	return &Redis{
		rdb: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
		locks: make(map[string]*sync.Mutex),
	}
}

func redisKey(id string) string {
	return redisKeyPrefix + id
}

// lockFor returns the mutex serializing updates to one job id.
func (r *Redis) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

func (r *Redis) releaseLock(id string) {
	r.mu.Lock()
	delete(r.locks, id)
	r.mu.Unlock()
}

// Create persists a new job record. SETNX rejects duplicate ids.
func (r *Redis) Create(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("store: marshal job %s: %w", j.ID, err)
	}

	ok, err := r.rdb.SetNX(ctx, redisKey(j.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// Get returns a snapshot of the job record.
func (r *Redis) Get(ctx context.Context, id string) (*job.Job, error) {
	data, err := r.rdb.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("store: unmarshal job %s: %w", id, err)
	}
	return &j, nil
}

// Update atomically applies mutate to the record. Terminal records gain a
// TTL so old history expires on its own.
func (r *Redis) Update(ctx context.Context, id string, mutate Mutator) (*job.Job, error) {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := applyMutation(current, mutate)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("store: marshal job %s: %w", id, err)
	}

	ttl := time.Duration(0)
	if next.Status.Terminal() {
		ttl = terminalTTL
		defer r.releaseLock(id)
	}
	if err := r.rdb.Set(ctx, redisKey(id), data, ttl).Err(); err != nil {
		return nil, err
	}

	cp := *next
	return &cp, nil
}

// List scans all job records and returns those with the given status.
// Intended for inspection endpoints, not hot paths.
func (r *Redis) List(ctx context.Context, status job.Status) ([]*job.Job, error) {
	var result []*job.Job

	iter := r.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, err
		}
		var j job.Job
		if err := json.Unmarshal(data, &j); err != nil {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		result = append(result, &j)
	}
	return result, iter.Err()
}

// Count returns the number of jobs with the given status.
func (r *Redis) Count(ctx context.Context, status job.Status) (int64, error) {
	jobs, err := r.List(ctx, status)
	if err != nil {
		return 0, err
	}
	return int64(len(jobs)), nil
}

// Delete removes a job record.
func (r *Redis) Delete(ctx context.Context, id string) error {
	n, err := r.rdb.Del(ctx, redisKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	r.releaseLock(id)
	return nil
}

// Close closes the underlying Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
