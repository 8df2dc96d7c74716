// Package persistence provides the data storage abstraction for workflow
// definitions, execution instances and the per-run event log.
package persistence

import (
	"context"
	"time"

	"github.com/caprun-io/caprun/pkg/models"
)

// NodeExecutionPatch carries the fields a conditional node transition may
// set. Nil pointers leave the stored value untouched.
type NodeExecutionPatch struct {
	Status          models.NodeStatus
	Output          map[string]any
	OutputArtifacts []models.Artifact
	Logs            *string
	ErrorMessage    *string
	BackingJobID    *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationMs      *int64
}

// ExecutionFilter narrows List results. List returns projections without
// the node/edge snapshot.
type ExecutionFilter struct {
	Owner        string
	DefinitionID string
	Status       *models.ExecutionStatus
	Limit        int
	Offset       int
}

type DefinitionRepository interface {
	GetAll(ctx context.Context, owner string) ([]*models.WorkflowDefinition, error)
	GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	Save(ctx context.Context, definition *models.WorkflowDefinition) error
	Delete(ctx context.Context, id string) error
}

type ExecutionRepository interface {
	// Create persists a new instance together with its node executions.
	// Returns ErrDuplicateIdempotencyKey when another instance already
	// holds (owner, idempotency key).
	Create(ctx context.Context, execution *models.ExecutionInstance) error

	GetByID(ctx context.Context, id string) (*models.ExecutionInstance, error)
	GetByIdempotencyKey(ctx context.Context, owner, key string) (*models.ExecutionInstance, error)
	List(ctx context.Context, filter ExecutionFilter) ([]*models.ExecutionInstance, error)

	// UpdateStatus transitions the run status only if the current status is
	// one of expected. Reports whether the write was applied.
	UpdateStatus(ctx context.Context, id string, expected []models.ExecutionStatus, to models.ExecutionStatus, errorMessage string, completedAt *time.Time) (bool, error)

	// UpdateNodeExecution applies the patch only if the node's current
	// status is one of expected. Reports whether the write was applied.
	UpdateNodeExecution(ctx context.Context, executionID, nodeID string, expected []models.NodeStatus, patch NodeExecutionPatch) (bool, error)
}

type EventRepository interface {
	// Append assigns the next per-(kind, run) sequence number, starting at
	// 1, and returns it. Assignment is linearizable per run.
	Append(ctx context.Context, kind models.RunKind, runID, eventName string, payload map[string]any) (int64, error)

	// GetEvents returns events with seq > afterSeq in ascending order,
	// bounded by limit (0 means no bound).
	GetEvents(ctx context.Context, kind models.RunKind, runID string, afterSeq int64, limit int) ([]*models.ExecutionEvent, error)
}

type Persistence interface {
	Definitions() DefinitionRepository
	Executions() ExecutionRepository
	Events() EventRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
