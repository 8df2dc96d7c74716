package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/caprun-io/caprun/pkg/channels/gochannel"
	"github.com/caprun-io/caprun/pkg/channels/kafka"
	"github.com/caprun-io/caprun/pkg/queue"
)

// ConsumableQueue is what the worker binary needs: both sides of the queue.
type ConsumableQueue interface {
	queue.RunQueue
	queue.RunConsumer
}

// NewQueue builds the run queue transport from its URL. redis:// URLs use
// the list-based queue; "kafka" uses the watermill Kafka channel; anything
// else falls back to the in-process gochannel transport.
func NewQueue(ctx context.Context, queueURL string, logger *slog.Logger) ConsumableQueue {
	wmLogger := watermill.NewSlogLogger(logger)

	switch {
	case strings.HasPrefix(queueURL, "redis://"), strings.HasPrefix(queueURL, "rediss://"):
		q, err := queue.NewRedisQueue(ctx, queueURL, logger)
		if err != nil {
			panic(fmt.Errorf("failed to connect run queue to redis: %w", err))
		}

		return q
	case queueURL == "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, "caprun-queue")
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka run queue: %w", err))
		}

		return queue.NewWatermillQueue(pub, sub)
	default:
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			panic(fmt.Errorf("failed to create gochannel run queue: %w", err))
		}

		return queue.NewWatermillQueue(pub, sub)
	}
}
