// Package queue defines the run queue primitive: enqueue a (kind, run id)
// pair for an external worker. Delivery is at-least-once; workers tolerate
// redelivery via the engine's conditional node transitions.
package queue

import (
	"context"

	"github.com/caprun-io/caprun/pkg/models"
)

// QueuedRun is the wire payload handed to workers.
type QueuedRun struct {
	RunKind models.RunKind `json:"run_kind"`
	RunID   string         `json:"run_id"`
}

type RunQueue interface {
	Enqueue(ctx context.Context, kind models.RunKind, runID string) error
	Close() error
}

// RunConsumer is implemented by worker-side queues that can also dequeue.
type RunConsumer interface {
	Consume(ctx context.Context, handler func(ctx context.Context, run QueuedRun) error) error
}
