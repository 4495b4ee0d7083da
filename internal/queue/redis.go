package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driesdejong/leadradar/internal/lead"
)

// defaultRedisKey names the list that holds pending jobs.
const defaultRedisKey = "leadradar:jobs"

// RedisConfig connects the queue to a Redis list.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisQueue implements lead.Queue on a Redis list. Jobs are JSON
// envelopes pushed with LPUSH and popped with BRPOP, so multiple
// workers can share one queue.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("queue.redis.addr is required")
	}
	key := cfg.Key
	if key == "" {
		key = defaultRedisKey
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisQueue{client: client, key: key}, nil
}

// Enqueue pushes a JSON envelope onto the head of the list.
func (q *RedisQueue) Enqueue(ctx context.Context, env lead.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", env.JobID, err)
	}
	return nil
}

// Dequeue blocks until a job is available or the context ends. The
// short poll interval keeps cancellation responsive.
func (q *RedisQueue) Dequeue(ctx context.Context) (lead.Envelope, error) {
	for {
		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if errors.Is(err, redis.Nil) {
			select {
			case <-ctx.Done():
				return lead.Envelope{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			default:
				continue
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return lead.Envelope{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return lead.Envelope{}, fmt.Errorf("dequeue: %w", err)
		}
		// BRPOP returns [key, value].
		if len(res) != 2 {
			return lead.Envelope{}, fmt.Errorf("dequeue: unexpected reply length %d", len(res))
		}
		var env lead.Envelope
		if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
			return lead.Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
		}
		return env, nil
	}
}

// Close releases the Redis connection.
func (q *RedisQueue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
