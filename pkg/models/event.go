package models

import "time"

// ExecutionEvent is one entry in a run's append-only event log. Seq is
// strictly increasing per (RunKind, RunID), starting at 1, and doubles as
// the resumption cursor for streaming clients. Events are never mutated
// or deleted while the run is retained.
type ExecutionEvent struct {
	RunKind   RunKind        `json:"run_kind"`
	RunID     string         `json:"run_id"`
	Seq       int64          `json:"seq"`
	EventName string         `json:"event_name"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
