package services

import (
	"context"
	"time"

	"github.com/caprun-io/caprun/pkg/events"
	"github.com/caprun-io/caprun/pkg/models"
	"github.com/caprun-io/caprun/pkg/persistence"
)

// The worker callback surface. Every transition is a conditional write;
// a false return means the guard lost (redelivered message, sweep got
// there first) and the caller should treat the transition as already done.

// MarkRunStarted moves a queued run to Running.
func (o *Orchestrator) MarkRunStarted(ctx context.Context, kind models.RunKind, executionID string) (bool, error) {
	applied, err := o.persistence.Executions().UpdateStatus(ctx, executionID,
		[]models.ExecutionStatus{models.ExecutionStatusQueued},
		models.ExecutionStatusRunning, "", nil)
	if err != nil || !applied {
		return false, err
	}

	execution := &models.ExecutionInstance{ID: executionID, RunKind: kind}

	o.appendEvent(ctx, execution, events.LogExecutionStarted, map[string]any{
		"execution_id": executionID,
	})

	o.publish(ctx, execution, events.RunStarted{
		BaseEvent: o.baseEvent(events.RunStartedEvent, execution),
	})

	return true, nil
}

// MarkRunCompleted moves a running run to Completed and emits the
// terminal event the streaming gateway closes on.
func (o *Orchestrator) MarkRunCompleted(ctx context.Context, kind models.RunKind, executionID string) (bool, error) {
	now := o.now()

	applied, err := o.persistence.Executions().UpdateStatus(ctx, executionID,
		[]models.ExecutionStatus{models.ExecutionStatusQueued, models.ExecutionStatusRunning},
		models.ExecutionStatusCompleted, "", &now)
	if err != nil || !applied {
		return false, err
	}

	execution := &models.ExecutionInstance{ID: executionID, RunKind: kind}

	o.appendEvent(ctx, execution, events.LogExecutionCompleted, map[string]any{
		"execution_id": executionID,
	})

	o.publish(ctx, execution, events.RunCompleted{
		BaseEvent: o.baseEvent(events.RunCompletedEvent, execution),
	})

	return true, nil
}

// MarkRunFailed moves a non-terminal run to Failed with a message.
func (o *Orchestrator) MarkRunFailed(ctx context.Context, kind models.RunKind, executionID, errorMessage string) (bool, error) {
	now := o.now()

	applied, err := o.persistence.Executions().UpdateStatus(ctx, executionID,
		[]models.ExecutionStatus{models.ExecutionStatusQueued, models.ExecutionStatusRunning},
		models.ExecutionStatusFailed, errorMessage, &now)
	if err != nil || !applied {
		return false, err
	}

	execution := &models.ExecutionInstance{ID: executionID, RunKind: kind}

	o.appendEvent(ctx, execution, events.LogExecutionFailed, map[string]any{
		"execution_id": executionID,
		"error":        errorMessage,
	})

	o.publish(ctx, execution, events.RunFailed{
		BaseEvent: o.baseEvent(events.RunFailedEvent, execution),
		Error:     errorMessage,
	})

	return true, nil
}

// StartNode moves a pending node to Running.
func (o *Orchestrator) StartNode(ctx context.Context, kind models.RunKind, executionID, nodeID string) (bool, error) {
	now := o.now()

	applied, err := o.persistence.Executions().UpdateNodeExecution(ctx, executionID, nodeID,
		[]models.NodeStatus{models.NodeStatusPending},
		persistence.NodeExecutionPatch{
			Status:    models.NodeStatusRunning,
			StartedAt: &now,
		})
	if err != nil || !applied {
		return false, err
	}

	o.appendNodeEvent(ctx, kind, executionID, events.LogNodeStarted, nodeID, nil)

	return true, nil
}

// AttachBackingJob records the async job id driving a running node, so
// the reconciliation sweep can resync against it later.
func (o *Orchestrator) AttachBackingJob(ctx context.Context, executionID, nodeID, jobID string) (bool, error) {
	return o.persistence.Executions().UpdateNodeExecution(ctx, executionID, nodeID,
		[]models.NodeStatus{models.NodeStatusRunning},
		persistence.NodeExecutionPatch{BackingJobID: &jobID})
}

// CompleteNode moves a running node to Completed with its results.
func (o *Orchestrator) CompleteNode(ctx context.Context, kind models.RunKind, executionID, nodeID string, output map[string]any, artifacts []models.Artifact, logs string) (bool, error) {
	now := o.now()
	patch := persistence.NodeExecutionPatch{
		Status:          models.NodeStatusCompleted,
		Output:          output,
		OutputArtifacts: artifacts,
		CompletedAt:     &now,
	}

	if logs != "" {
		patch.Logs = &logs
	}

	applied, err := o.completeWithDuration(ctx, executionID, nodeID,
		[]models.NodeStatus{models.NodeStatusRunning}, patch, now)
	if err != nil || !applied {
		return false, err
	}

	o.appendNodeEvent(ctx, kind, executionID, events.LogNodeCompleted, nodeID, map[string]any{
		"artifact_count": len(artifacts),
	})

	return true, nil
}

// FailNode moves a running node to Failed with the worker's error message.
func (o *Orchestrator) FailNode(ctx context.Context, kind models.RunKind, executionID, nodeID, errorMessage string) (bool, error) {
	now := o.now()
	patch := persistence.NodeExecutionPatch{
		Status:       models.NodeStatusFailed,
		ErrorMessage: &errorMessage,
		CompletedAt:  &now,
	}

	applied, err := o.completeWithDuration(ctx, executionID, nodeID,
		[]models.NodeStatus{models.NodeStatusPending, models.NodeStatusRunning}, patch, now)
	if err != nil || !applied {
		return false, err
	}

	o.appendNodeEvent(ctx, kind, executionID, events.LogNodeFailed, nodeID, map[string]any{
		"error": errorMessage,
	})

	return true, nil
}

// SkipNode marks a pending node Skipped (downstream of a failure).
func (o *Orchestrator) SkipNode(ctx context.Context, kind models.RunKind, executionID, nodeID, reason string) (bool, error) {
	applied, err := o.persistence.Executions().UpdateNodeExecution(ctx, executionID, nodeID,
		[]models.NodeStatus{models.NodeStatusPending},
		persistence.NodeExecutionPatch{Status: models.NodeStatusSkipped})
	if err != nil || !applied {
		return false, err
	}

	o.appendNodeEvent(ctx, kind, executionID, events.LogNodeSkipped, nodeID, map[string]any{
		"reason": reason,
	})

	return true, nil
}

// completeWithDuration applies the terminal patch and derives duration_ms
// from the stored started_at when available.
func (o *Orchestrator) completeWithDuration(ctx context.Context, executionID, nodeID string, expected []models.NodeStatus, patch persistence.NodeExecutionPatch, completedAt time.Time) (bool, error) {
	execution, err := o.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		return false, err
	}

	node := execution.NodeExecutionByID(nodeID)
	if node == nil {
		return false, persistence.ErrNodeExecutionNotFound
	}

	if node.StartedAt != nil {
		durationMs := completedAt.Sub(*node.StartedAt).Milliseconds()
		patch.DurationMs = &durationMs
	}

	return o.persistence.Executions().UpdateNodeExecution(ctx, executionID, nodeID, expected, patch)
}

func (o *Orchestrator) appendNodeEvent(ctx context.Context, kind models.RunKind, executionID, eventName, nodeID string, extra map[string]any) {
	payload := map[string]any{
		"execution_id": executionID,
		"node_id":      nodeID,
	}
	for k, v := range extra {
		payload[k] = v
	}

	_, err := o.persistence.Events().Append(ctx, kind, executionID, eventName, payload)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to append node event", "execution_id", executionID, "node_id", nodeID, "event", eventName, "error", err)
	}
}
