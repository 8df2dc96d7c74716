package models

import "time"

// NodeStatus is the state of a single node within a run.
//
// Pending -> Running -> {Completed, Failed}. Skipped is reachable from
// Pending via resume (nodes before the resume point that never completed)
// or downstream-failure propagation. Completed, Failed and Skipped are
// terminal per node; transitions are applied as conditional updates so a
// late worker callback cannot clobber a sweep correction.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// IsTerminal reports whether the node status admits no further transitions.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed || s == NodeStatusSkipped
}

// TransientNodeStatuses are the states the reconciliation sweep inspects.
var TransientNodeStatuses = []NodeStatus{NodeStatusPending, NodeStatusRunning}

// NodeExecution is the mutable per-node status/result record within a run.
type NodeExecution struct {
	NodeID          string         `json:"node_id"`
	Name            string         `json:"name"`
	Type            string         `json:"type"`
	Status          NodeStatus     `json:"status"`
	OutputArtifacts []Artifact     `json:"output_artifacts,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Logs            string         `json:"logs,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	BackingJobID    *string        `json:"backing_job_id,omitempty"` // Async job driving this node, if dispatched
	StatusSince     time.Time      `json:"status_since"`             // When the current status was entered
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DurationMs      int64          `json:"duration_ms,omitempty"`
}
