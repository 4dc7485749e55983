// Package redis is the Redis storage backend for the Queue Client: a job
// list per queue, a processing sorted set keyed by lease deadline, and a
// delayed sorted set keyed by the next retry's ready time. It knows
// nothing about retry policy or dead-lettering — that bookkeeping lives in
// the queue package, which calls down into this store.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job is one unit of work travelling through a queue.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	QueueName    string          `json:"queueName"`
	URN          string          `json:"urn"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	EnqueuedAt   time.Time       `json:"enqueuedAt"`
}

// Config configures the Redis-backed Store.
type Config struct {
	RedisURL  string
	KeyPrefix string
}

// Store wraps a *redis.Client with the list/sorted-set primitives the
// Queue Client composes into produce/consume/retry/DLQ.
type Store struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and returns a Store. An empty KeyPrefix defaults
// to "flowengine:".
func New(ctx context.Context, cfg Config) (*Store, error) {
	redisURL := cfg.RedisURL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parsing url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: connecting: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "flowengine:"
	}

	return &Store{client: client, prefix: prefix}, nil
}

// NewFromClient wraps an already-constructed *redis.Client, used by tests
// to point the store at a miniredis instance.
func NewFromClient(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "flowengine:"
	}
	return &Store{client: client, prefix: keyPrefix}
}

// Close closes the underlying Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping probes the connection; used by the Queue Client's health check.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) listKey(queue string) string       { return s.prefix + "list:" + queue }
func (s *Store) processingKey(queue string) string { return s.prefix + "processing:" + queue }
func (s *Store) delayedKey(queue string) string    { return s.prefix + "delayed:" + queue }

// Push appends job to the tail of queue's list.
func (s *Store) Push(ctx context.Context, queue string, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis: marshaling job: %w", err)
	}
	return s.client.RPush(ctx, s.listKey(queue), body).Err()
}

// BlockingPop pops the next job from queue's list, blocking up to timeout.
// A nil Job with a nil error means the wait timed out with nothing ready.
func (s *Store) BlockingPop(ctx context.Context, queue string, timeout time.Duration) (*Job, error) {
	result, err := s.client.BLPop(ctx, timeout, s.listKey(queue)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: dequeue: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("redis: unmarshaling job: %w", err)
	}
	return &job, nil
}

// MarkProcessing records jobID as leased until deadline.
func (s *Store) MarkProcessing(ctx context.Context, queue, jobID string, deadline time.Time) error {
	return s.client.ZAdd(ctx, s.processingKey(queue), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: jobID,
	}).Err()
}

// ClearProcessing removes jobID from the processing set, used on both
// successful completion and final failure.
func (s *Store) ClearProcessing(ctx context.Context, queue, jobID string) error {
	return s.client.ZRem(ctx, s.processingKey(queue), jobID).Err()
}

// IsProcessing reports whether jobID is currently leased.
func (s *Store) IsProcessing(ctx context.Context, queue, jobID string) (bool, error) {
	_, err := s.client.ZScore(ctx, s.processingKey(queue), jobID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ScheduleRetry places job in the delayed set, ready at readyAt. A
// background promoter moves it back onto the live list once due.
func (s *Store) ScheduleRetry(ctx context.Context, queue string, job Job, readyAt time.Time) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis: marshaling retry job: %w", err)
	}
	return s.client.ZAdd(ctx, s.delayedKey(queue), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: body,
	}).Err()
}

// PromoteDue moves every delayed job for queue whose ready time has
// passed onto the live list, returning how many were promoted.
func (s *Store) PromoteDue(ctx context.Context, queue string) (int, error) {
	now := float64(time.Now().UnixMilli())
	key := s.delayedKey(queue)

	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: scanning delayed set: %w", err)
	}

	promoted := 0
	for _, m := range members {
		removed, err := s.client.ZRem(ctx, key, m).Result()
		if err != nil || removed == 0 {
			// Lost the race with another promoter; skip.
			continue
		}
		if err := s.client.RPush(ctx, s.listKey(queue), m).Err(); err != nil {
			return promoted, fmt.Errorf("redis: promoting delayed job: %w", err)
		}
		promoted++
	}

	return promoted, nil
}

// Depth returns the number of jobs currently waiting in queue's live list.
func (s *Store) Depth(ctx context.Context, queue string) (int64, error) {
	return s.client.LLen(ctx, s.listKey(queue)).Result()
}

// InFlight returns the number of jobs currently leased for queue.
func (s *Store) InFlight(ctx context.Context, queue string) (int64, error) {
	return s.client.ZCard(ctx, s.processingKey(queue)).Result()
}
