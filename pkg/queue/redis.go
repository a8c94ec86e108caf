package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guido-cesarano/taskflow/pkg/job"
	"github.com/guido-cesarano/taskflow/pkg/logger"
)

const (
	redisQueueKey   = "taskflow:queue"
	redisDelayedKey = "taskflow:delayed"
)

// moveDueScript atomically drains due entries from the delayed sorted set
// into the tail of the main queue and returns them, so a single mover
// pass never double-promotes a job even with concurrent movers.
var moveDueScript = redis.NewScript(`
	local delayed_key = KEYS[1]
	local queue_key = KEYS[2]
	local now = tonumber(ARGV[1])

	local due = redis.call('ZRANGEBYSCORE', delayed_key, '-inf', now)

	if #due > 0 then
		redis.call('ZREMRANGEBYSCORE', delayed_key, '-inf', now)
		for _, entry in ipairs(due) do
			redis.call('RPUSH', queue_key, entry)
		end
	end

	return due
`)

// Redis is a Queue backed by a Redis instance: a list for the visible set
// and a sorted set scored by visibility time for delayed jobs. A
// background mover goroutine promotes due entries.
type Redis struct {
	rdb *redis.Client

	moveInterval time.Duration
	onReady      ReadyFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Queue = (*Redis)(nil)

// RedisOption configures a Redis queue.
type RedisOption func(*Redis)

// WithMoveInterval sets how often the mover drains due delayed jobs.
func WithMoveInterval(d time.Duration) RedisOption {
	return func(r *Redis) { r.moveInterval = d }
}

// WithRedisReadyFunc sets the callback fired when a delayed job becomes
// visible.
func WithRedisReadyFunc(f ReadyFunc) RedisOption {
	return func(r *Redis) { r.onReady = f }
}

// NewRedis creates a Redis-backed queue connected to the given address
// and starts its mover goroutine.
func NewRedis(addr string, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
		moveInterval: 100 * time.Millisecond,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.moverLoop()
	return r
}

// Enqueue pushes a snapshot of the job to the tail of the main queue.
func (r *Redis) Enqueue(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", j.ID, err)
	}
	return r.rdb.RPush(ctx, redisQueueKey, data).Err()
}

// EnqueueAfter adds the job to the delayed sorted set with its visibility
// time as the score.
func (r *Redis) EnqueueAfter(ctx context.Context, j *job.Job, delay time.Duration) error {
	if delay <= 0 {
		return r.Enqueue(ctx, j)
	}

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", j.ID, err)
	}
	return r.rdb.ZAdd(ctx, redisDelayedKey, redis.Z{
		Score:  float64(time.Now().Add(delay).UnixNano()),
		Member: data,
	}).Err()
}

// Dequeue pops the head of the main queue.
func (r *Redis) Dequeue(ctx context.Context) (*job.Job, error) {
	data, err := r.rdb.LPop(ctx, redisQueueKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("queue: unmarshal job: %w", err)
	}
	return &j, nil
}

// Remove drops a not-yet-claimed job from the visible list or the delayed
// set by matching its serialized id.
func (r *Redis) Remove(ctx context.Context, jobID string) (bool, error) {
	entries, err := r.rdb.LRange(ctx, redisQueueKey, 0, -1).Result()
	if err != nil {
		return false, err
	}
	for _, raw := range entries {
		var j job.Job
		if json.Unmarshal([]byte(raw), &j) == nil && j.ID == jobID {
			n, err := r.rdb.LRem(ctx, redisQueueKey, 1, raw).Result()
			return n > 0, err
		}
	}

	delayed, err := r.rdb.ZRange(ctx, redisDelayedKey, 0, -1).Result()
	if err != nil {
		return false, err
	}
	for _, raw := range delayed {
		var j job.Job
		if json.Unmarshal([]byte(raw), &j) == nil && j.ID == jobID {
			n, err := r.rdb.ZRem(ctx, redisDelayedKey, raw).Result()
			return n > 0, err
		}
	}
	return false, nil
}

// Len returns the number of queued jobs, delayed ones included.
func (r *Redis) Len(ctx context.Context) (int64, error) {
	visible, err := r.rdb.LLen(ctx, redisQueueKey).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := r.rdb.ZCard(ctx, redisDelayedKey).Result()
	if err != nil {
		return 0, err
	}
	return visible + delayed, nil
}

// moverLoop periodically drains due delayed jobs into the main queue and
// fires the ready callback for each.
func (r *Redis) moverLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.moveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.moveDue(context.Background())
		}
	}
}

func (r *Redis) moveDue(ctx context.Context) {
	now := float64(time.Now().UnixNano())

	res, err := moveDueScript.Run(ctx, r.rdb,
		[]string{redisDelayedKey, redisQueueKey},
		now,
	).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		logger.Log.Error().Err(err).Msg("delayed queue mover failed")
		return
	}

	entries, ok := res.([]interface{})
	if !ok || r.onReady == nil {
		return
	}
	for _, entry := range entries {
		raw, ok := entry.(string)
		if !ok {
			continue
		}
		var j job.Job
		if json.Unmarshal([]byte(raw), &j) == nil {
			r.onReady(j.ID)
		}
	}
}

// Close stops the mover goroutine and closes the connection.
func (r *Redis) Close() error {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
	return r.rdb.Close()
}
