package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caprun-io/caprun/pkg/events"
	"github.com/caprun-io/caprun/pkg/eventbus"
	"github.com/caprun-io/caprun/pkg/models"
	"github.com/caprun-io/caprun/pkg/persistence"
	"github.com/caprun-io/caprun/pkg/queue"
	"github.com/caprun-io/caprun/pkg/registry"
	"github.com/caprun-io/caprun/pkg/template"
	"github.com/google/uuid"
)

// JobSpec describes an ad-hoc single-job run (e.g. one image generation).
type JobSpec struct {
	Type   string         `json:"type"   validate:"required"`
	Name   string         `json:"name"`
	Config map[string]any `json:"config"`
}

// CreateRunRequest carries everything needed to create a run. Exactly one
// of DefinitionID, Nodes or Job must be set.
type CreateRunRequest struct {
	Owner          string
	DefinitionID   string
	Nodes          []*models.Node
	Edges          []*models.Edge
	Job            *JobSpec
	Variables      map[string]any
	IdempotencyKey string
	TriggeredBy    string
}

// Orchestrator creates runs idempotently, records node state transitions
// and owns the persist-then-enqueue ordering.
type Orchestrator struct {
	persistence persistence.Persistence
	runQueue    queue.RunQueue
	bus         eventbus.EventBus
	validator   *registry.Validator
	logger      *slog.Logger
	now         func() time.Time
}

func NewOrchestrator(p persistence.Persistence, runQueue queue.RunQueue, bus eventbus.EventBus, validator *registry.Validator, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		persistence: p,
		runQueue:    runQueue,
		bus:         bus,
		validator:   validator,
		logger:      logger.With("module", "orchestrator"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateRun creates a durable execution instance and enqueues it. The
// returned bool reports whether a new instance was created; it is false
// when the idempotency key resolved to an existing run.
func (o *Orchestrator) CreateRun(ctx context.Context, req CreateRunRequest) (*models.ExecutionInstance, bool, error) {
	if req.Owner == "" {
		return nil, false, ErrEmptyOwner
	}

	if req.IdempotencyKey != "" {
		existing, err := o.persistence.Executions().GetByIdempotencyKey(ctx, req.Owner, req.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}

		if !persistence.IsExecutionNotFound(err) {
			return nil, false, fmt.Errorf("failed to resolve idempotency key: %w", err)
		}
	}

	execution, err := o.buildInstance(ctx, req)
	if err != nil {
		return nil, false, err
	}

	err = o.persistence.Executions().Create(ctx, execution)
	if err != nil {
		// Lost the creation race: the winning row is authoritative.
		if persistence.IsDuplicateIdempotencyKey(err) && req.IdempotencyKey != "" {
			existing, readErr := o.persistence.Executions().GetByIdempotencyKey(ctx, req.Owner, req.IdempotencyKey)
			if readErr != nil {
				return nil, false, fmt.Errorf("failed to re-read winning execution: %w", readErr)
			}

			return existing, false, nil
		}

		return nil, false, fmt.Errorf("failed to persist execution: %w", err)
	}

	// The instance is durable and idempotency-resolvable from here on;
	// only now may a worker learn about it.
	o.appendEvent(ctx, execution, events.LogExecutionQueued, map[string]any{
		"execution_id": execution.ID,
		"triggered_by": execution.TriggeredBy,
	})

	o.publish(ctx, execution, events.RunQueued{
		BaseEvent: o.baseEvent(events.RunQueuedEvent, execution),
		Owner:     execution.Owner,
	})

	err = o.runQueue.Enqueue(ctx, execution.RunKind, execution.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue run %s: %w", execution.ID, err)
	}

	o.logger.InfoContext(ctx, "run created", "execution_id", execution.ID, "run_kind", execution.RunKind, "owner", execution.Owner)

	return execution, true, nil
}

func (o *Orchestrator) buildInstance(ctx context.Context, req CreateRunRequest) (*models.ExecutionInstance, error) {
	var (
		nodes        []*models.Node
		edges        []*models.Edge
		declared     []*models.Variable
		definitionID *string
		kind         = models.RunKindWorkflow
	)

	switch {
	case req.DefinitionID != "":
		definition, err := o.persistence.Definitions().GetByID(ctx, req.DefinitionID)
		if err != nil {
			return nil, err
		}

		nodes, edges, declared = definition.Nodes, definition.Edges, definition.Variables
		definitionID = &definition.ID

	case len(req.Nodes) > 0:
		// Inline graphs bypass definition storage; validate defensively.
		if err := o.validator.ValidateGraph(req.Nodes, req.Edges); err != nil {
			return nil, err
		}

		nodes, edges = req.Nodes, req.Edges

	case req.Job != nil:
		node := &models.Node{
			ID:     "job",
			Name:   req.Job.Name,
			Type:   req.Job.Type,
			Config: req.Job.Config,
		}
		if node.Name == "" {
			node.Name = req.Job.Type
		}

		if err := o.validator.ValidateGraph([]*models.Node{node}, nil); err != nil {
			return nil, err
		}

		nodes = []*models.Node{node}
		if req.Job.Type == "image-generate" {
			kind = models.RunKindImage
		}

	default:
		return nil, ErrNoRunTarget
	}

	variables, err := resolveVariables(declared, req.Variables)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run ID: %w", err)
	}

	now := o.now()
	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "api"
	}

	execution := &models.ExecutionInstance{
		ID:           id.String(),
		DefinitionID: definitionID,
		RunKind:      kind,
		Status:       models.ExecutionStatusQueued,
		Nodes:        snapshotNodes(nodes),
		Edges:        snapshotEdges(edges),
		Variables:    variables,
		TriggeredBy:  triggeredBy,
		Owner:        req.Owner,
		CreatedAt:    now,
	}

	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		execution.IdempotencyKey = &key
	}

	for _, node := range execution.Nodes {
		execution.NodeExecutions = append(execution.NodeExecutions, &models.NodeExecution{
			NodeID:      node.ID,
			Name:        node.Name,
			Type:        node.Type,
			Status:      models.NodeStatusPending,
			StatusSince: now,
		})
	}

	return execution, nil
}

// resolveVariables applies, in order: the caller-supplied value, the
// template-resolved default, or MISSING_VARIABLE when required and absent.
func resolveVariables(declared []*models.Variable, supplied map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(supplied))
	for name, value := range supplied {
		resolved[name] = value
	}

	for _, variable := range declared {
		if _, ok := resolved[variable.Name]; ok {
			continue
		}

		if variable.Default != nil {
			value := any(*variable.Default)

			if template.NeedsTemplating(*variable.Default) {
				rendered, err := template.Render(*variable.Default, resolved)
				if err != nil {
					return nil, fmt.Errorf("failed to resolve default for variable '%s': %w", variable.Name, err)
				}

				value = rendered
			}

			resolved[variable.Name] = value

			continue
		}

		if variable.Required {
			return nil, &MissingVariableError{Name: variable.Name}
		}
	}

	return resolved, nil
}

// Cancel sets a non-terminal run to Cancelled and appends the terminal
// event. Cancelling a terminal run is a conflict, never a silent no-op.
func (o *Orchestrator) Cancel(ctx context.Context, caller Caller, executionID string) (*models.ExecutionInstance, error) {
	execution, err := o.GetExecution(ctx, caller, executionID)
	if err != nil {
		return nil, err
	}

	now := o.now()

	applied, err := o.persistence.Executions().UpdateStatus(ctx, executionID,
		[]models.ExecutionStatus{models.ExecutionStatusQueued, models.ExecutionStatusRunning},
		models.ExecutionStatusCancelled, "", &now)
	if err != nil {
		return nil, err
	}

	if !applied {
		return nil, ErrExecutionTerminal
	}

	o.appendEvent(ctx, execution, events.LogExecutionCancelled, map[string]any{
		"execution_id": executionID,
		"cancelled_by": caller.ID,
	})

	o.publish(ctx, execution, events.RunCancelled{
		BaseEvent: o.baseEvent(events.RunCancelledEvent, execution),
	})

	return o.persistence.Executions().GetByID(ctx, executionID)
}

// GetExecution loads an instance and enforces the ownership check, so
// "can't see it" stays distinguishable from "doesn't exist".
func (o *Orchestrator) GetExecution(ctx context.Context, caller Caller, executionID string) (*models.ExecutionInstance, error) {
	execution, err := o.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if !canManage(caller, execution) {
		return nil, ErrPermissionDenied
	}

	return execution, nil
}

// ListExecutions returns list projections for the caller.
func (o *Orchestrator) ListExecutions(ctx context.Context, caller Caller, filter persistence.ExecutionFilter) ([]*models.ExecutionInstance, error) {
	if !caller.Admin {
		filter.Owner = caller.ID
	}

	return o.persistence.Executions().List(ctx, filter)
}

func canManage(caller Caller, execution *models.ExecutionInstance) bool {
	return caller.Admin || caller.ID == execution.Owner
}

func (o *Orchestrator) appendEvent(ctx context.Context, execution *models.ExecutionInstance, eventName string, payload map[string]any) {
	_, err := o.persistence.Events().Append(ctx, execution.RunKind, execution.ID, eventName, payload)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to append execution event", "execution_id", execution.ID, "event", eventName, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, execution *models.ExecutionInstance, event eventbus.Event) {
	if o.bus == nil {
		return
	}

	err := o.bus.Publish(ctx, execution.ID, event)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to publish run event", "execution_id", execution.ID, "event", event.GetType(), "error", err)
	}
}

func (o *Orchestrator) baseEvent(eventType events.EventType, execution *models.ExecutionInstance) events.BaseEvent {
	id := ""
	if o.bus != nil {
		id = o.bus.GenerateID()
	}

	return events.BaseEvent{
		ID:        id,
		Type:      eventType,
		Timestamp: o.now(),
		RunKind:   execution.RunKind,
		RunID:     execution.ID,
	}
}

func snapshotNodes(nodes []*models.Node) []*models.Node {
	out := make([]*models.Node, 0, len(nodes))

	for _, node := range nodes {
		copied := *node

		if node.Config != nil {
			copied.Config = make(map[string]any, len(node.Config))
			for k, v := range node.Config {
				copied.Config[k] = v
			}
		}

		copied.InputSlots = append([]models.Slot(nil), node.InputSlots...)
		copied.OutputSlots = append([]models.Slot(nil), node.OutputSlots...)
		out = append(out, &copied)
	}

	return out
}

func snapshotEdges(edges []*models.Edge) []*models.Edge {
	out := make([]*models.Edge, 0, len(edges))

	for _, edge := range edges {
		copied := *edge
		out = append(out, &copied)
	}

	return out
}
