package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caprun-io/caprun/pkg/models"
	redis "github.com/redis/go-redis/v9"
)

const defaultRedisKey = "caprun:run-queue"

// RedisQueue is a list-backed run queue for deployments without kafka.
// Enqueue is LPUSH; workers block on BRPOP.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	logger *slog.Logger
}

func NewRedisQueue(ctx context.Context, redisURL string, logger *slog.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisQueue{
		client: client,
		key:    defaultRedisKey,
		logger: logger.With("module", "redis_queue"),
	}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, kind models.RunKind, runID string) error {
	payload, err := json.Marshal(QueuedRun{RunKind: kind, RunID: runID})
	if err != nil {
		return err
	}

	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue run %s: %w", runID, err)
	}

	return nil
}

// Consume blocks on the queue until ctx is cancelled. A handler error
// requeues the run at the tail for redelivery.
func (q *RedisQueue) Consume(ctx context.Context, handler func(ctx context.Context, run QueuedRun) error) error {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}

			result, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
					continue
				}

				q.logger.ErrorContext(ctx, "failed to pop from run queue", "error", err)
				time.Sleep(time.Second)

				continue
			}

			// BRPop returns [key, value].
			if len(result) != 2 {
				continue
			}

			var run QueuedRun

			if err := json.Unmarshal([]byte(result[1]), &run); err != nil {
				q.logger.ErrorContext(ctx, "discarding malformed queue payload", "error", err)

				continue
			}

			if err := handler(ctx, run); err != nil {
				q.logger.ErrorContext(ctx, "handler failed, requeueing run", "run_id", run.RunID, "error", err)

				if pushErr := q.client.RPush(ctx, q.key, result[1]).Err(); pushErr != nil {
					q.logger.ErrorContext(ctx, "failed to requeue run", "run_id", run.RunID, "error", pushErr)
				}
			}
		}
	}()

	return nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
