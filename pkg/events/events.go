// Package events defines the event vocabulary for run lifecycle
// notifications: the names written to the per-run event log and the typed
// messages published on the event bus.
package events

import (
	"time"

	"github.com/caprun-io/caprun/pkg/models"
)

type EventType string

// Bus topics.
const Topic = "caprun.runs"                  // Run lifecycle events
const RunQueueTopic = "caprun.run.queue"     // Queued runs consumed by workers
const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RunQueuedEvent    EventType = "run.queued"
	RunStartedEvent   EventType = "run.started"
	RunCompletedEvent EventType = "run.completed"
	RunFailedEvent    EventType = "run.failed"
	RunCancelledEvent EventType = "run.cancelled"
)

// Event log entry names. These are the eventName values appended to the
// per-run event store and streamed to clients.
const (
	LogExecutionQueued    = "execution-queued"
	LogExecutionStarted   = "execution-started"
	LogExecutionCompleted = "execution-completed"
	LogExecutionFailed    = "execution-failed"
	LogExecutionCancelled = "execution-cancelled"
	LogNodeStarted        = "node-started"
	LogNodeCompleted      = "node-completed"
	LogNodeFailed         = "node-failed"
	LogNodeSkipped        = "node-skipped"
	LogNodeReconciled     = "node-reconciled"
)

// IsTerminalLogEvent reports whether the event name ends the run's stream.
func IsTerminalLogEvent(name string) bool {
	switch name {
	case LogExecutionCompleted, LogExecutionFailed, LogExecutionCancelled:
		return true
	}

	return false
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunKind   models.RunKind `json:"run_kind"`
	RunID     string         `json:"run_id"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RunQueued is published when a run has been persisted and is ready for a
// worker. The instance is durable and idempotency-resolvable before this
// message exists.
type RunQueued struct {
	BaseEvent

	Owner string `json:"owner"`
}

func (e RunQueued) GetType() EventType {
	return RunQueuedEvent
}

type RunStarted struct {
	BaseEvent
}

func (e RunStarted) GetType() EventType {
	return RunStartedEvent
}

type RunCompleted struct {
	BaseEvent

	Duration time.Duration `json:"duration"`
}

func (e RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

type RunFailed struct {
	BaseEvent

	Error    string        `json:"error"`
	Duration time.Duration `json:"duration"`
}

func (e RunFailed) GetType() EventType {
	return RunFailedEvent
}

type RunCancelled struct {
	BaseEvent
}

func (e RunCancelled) GetType() EventType {
	return RunCancelledEvent
}
