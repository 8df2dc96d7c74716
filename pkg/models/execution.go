package models

import "time"

// RunKind distinguishes graph runs from single async job runs. Event logs
// and queues are keyed by (kind, run id).
type RunKind string

const (
	RunKindWorkflow RunKind = "workflow" // Node/edge graph execution
	RunKindImage    RunKind = "image"    // Single image-generation job
)

// ExecutionStatus is the lifecycle state of a run.
type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// Artifact references an output produced by a node or a run.
type Artifact struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url"`
}

// ExecutionInstance is one durable attempt to execute a definition or a
// single job. Nodes and edges are an immutable snapshot taken at creation
// time. Once terminal, the instance is only ever touched by the
// reconciliation sweep repairing a node wrongly left non-terminal.
type ExecutionInstance struct {
	ID             string           `json:"id"`
	DefinitionID   *string          `json:"definition_id,omitempty"` // nil for ad-hoc/single-job runs
	RunKind        RunKind          `json:"run_kind"`
	Status         ExecutionStatus  `json:"status"`
	Nodes          []*Node          `json:"nodes"`
	Edges          []*Edge          `json:"edges"`
	Variables      map[string]any   `json:"variables,omitempty"` // Resolved values, not templates
	TriggeredBy    string           `json:"triggered_by"`
	Owner          string           `json:"owner"`
	IdempotencyKey *string          `json:"idempotency_key,omitempty"`
	NodeExecutions []*NodeExecution `json:"node_executions"`
	Artifacts      []Artifact       `json:"artifacts,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// NodeExecutionByID returns the node execution for the given node ID, or nil.
func (e *ExecutionInstance) NodeExecutionByID(nodeID string) *NodeExecution {
	for _, ne := range e.NodeExecutions {
		if ne.NodeID == nodeID {
			return ne
		}
	}

	return nil
}

// NodeByID returns the snapshotted node with the given ID, or nil.
func (e *ExecutionInstance) NodeByID(nodeID string) *Node {
	for _, node := range e.Nodes {
		if node.ID == nodeID {
			return node
		}
	}

	return nil
}
