package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"storytime/internal/domain"
	"storytime/internal/infra/metrics"
)

// RedisGenerationQueue реализует очередь запусков генерации на базе Redis lists.
// Полученная задача переносится в список обработки и снимается с него при
// подтверждении.
type RedisGenerationQueue struct {
	client     redis.UniversalClient
	key        string
	processing string
	wait       time.Duration
}

var _ domain.GenerationQueue = (*RedisGenerationQueue)(nil)

// NewRedisGenerationQueue создаёт очередь по указанному ключу.
func NewRedisGenerationQueue(client redis.UniversalClient, key string) *RedisGenerationQueue {
	return &RedisGenerationQueue{client: client, key: key, processing: key + ":processing", wait: time.Second}
}

// Enqueue публикует задачу в очередь.
func (q *RedisGenerationQueue) Enqueue(ctx context.Context, job domain.GenerationJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди.
func (q *RedisGenerationQueue) Receive(ctx context.Context) (domain.GenerationJob, domain.AckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.GenerationJob{}, nil, err
		}

		payload, err := q.client.BRPopLPush(ctx, q.key, q.processing, q.wait).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.GenerationJob{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.GenerationJob{}, nil, err
		}

		var job domain.GenerationJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			_ = q.client.LRem(context.Background(), q.processing, 1, payload).Err()
			return domain.GenerationJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		return job, q.ack(payload), nil
	}
}

func (q *RedisGenerationQueue) ack(payload string) domain.AckFunc {
	return func(success bool) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		start := time.Now()
		_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.processing, 1, payload)
			if !success {
				pipe.RPush(ctx, q.key, payload)
			}
			return nil
		})
		metrics.ObserveNetworkRequest("redis", "ack", q.key, start, err)
		return err
	}
}

// Recover возвращает в очередь задачи, оставшиеся в обработке после падения воркера.
func (q *RedisGenerationQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, q.processing, q.key).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}
