package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout in Redis.
const (
	queueKey   = "voice_entry:task_queue"
	taskPrefix = "voice_entry:task:"
)

// store is the durable backing a connected Queue dispatches through.
// getTask returns (nil, nil) for absent or expired records; popQueue returns
// ("", nil) when the bounded wait elapsed with nothing queued.
type store interface {
	putTask(ctx context.Context, t *Task, ttl time.Duration) error
	getTask(ctx context.Context, id string) (*Task, error)
	pushQueue(ctx context.Context, id string) error
	popQueue(ctx context.Context, timeout time.Duration) (string, error)
	queueLen(ctx context.Context) (int64, error)
}

// redisStore keeps task records as TTL'd JSON values and the queue as a
// Redis list consumed with blocking pops.
type redisStore struct {
	client *redis.Client
}

func (s *redisStore) putTask(ctx context.Context, t *Task, ttl time.Duration) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
	}
	return s.client.Set(ctx, taskPrefix+t.ID, data, ttl).Err()
}

func (s *redisStore) getTask(ctx context.Context, id string) (*Task, error) {
	data, err := s.client.Get(ctx, taskPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", id, err)
	}
	return &t, nil
}

func (s *redisStore) pushQueue(ctx context.Context, id string) error {
	return s.client.LPush(ctx, queueKey, id).Err()
}

func (s *redisStore) popQueue(ctx context.Context, timeout time.Duration) (string, error) {
	vals, err := s.client.BRPop(ctx, timeout, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(vals) < 2 {
		return "", nil
	}
	return vals[1], nil
}

func (s *redisStore) queueLen(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, queueKey).Result()
}
