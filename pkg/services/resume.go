package services

import (
	"context"
	"fmt"

	"github.com/caprun-io/caprun/pkg/events"
	"github.com/caprun-io/caprun/pkg/models"
	"github.com/google/uuid"
)

// ResumeFromNode creates a new execution instance that reuses the prefix
// of a prior run's completed node state and restarts from nodeID.
//
// Nodes strictly before the resume point keep their completed results
// verbatim; ones that never completed are marked Skipped. The resume node
// and everything after it start Pending regardless of prior outcome — a
// previously completed resume node is still re-executed in full.
func (o *Orchestrator) ResumeFromNode(ctx context.Context, caller Caller, executionID, nodeID string) (*models.ExecutionInstance, error) {
	original, err := o.GetExecution(ctx, caller, executionID)
	if err != nil {
		return nil, err
	}

	resumeIndex := -1

	for i, node := range original.Nodes {
		if node.ID == nodeID {
			resumeIndex = i

			break
		}
	}

	if resumeIndex < 0 {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownNode, nodeID)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run ID: %w", err)
	}

	now := o.now()
	resumed := &models.ExecutionInstance{
		ID:           id.String(),
		DefinitionID: original.DefinitionID,
		RunKind:      original.RunKind,
		Status:       models.ExecutionStatusQueued,
		Nodes:        snapshotNodes(original.Nodes),
		Edges:        snapshotEdges(original.Edges),
		Variables:    original.Variables,
		TriggeredBy:  "resume",
		Owner:        original.Owner,
		CreatedAt:    now,
	}

	for i, node := range original.Nodes {
		prior := original.NodeExecutionByID(node.ID)

		switch {
		case i < resumeIndex && prior != nil && prior.Status == models.NodeStatusCompleted:
			// Carry the completed prefix verbatim: artifacts, timestamps,
			// duration and all.
			copied := *prior
			resumed.NodeExecutions = append(resumed.NodeExecutions, &copied)

		case i < resumeIndex:
			resumed.NodeExecutions = append(resumed.NodeExecutions, &models.NodeExecution{
				NodeID:      node.ID,
				Name:        node.Name,
				Type:        node.Type,
				Status:      models.NodeStatusSkipped,
				StatusSince: now,
			})

		default:
			resumed.NodeExecutions = append(resumed.NodeExecutions, &models.NodeExecution{
				NodeID:      node.ID,
				Name:        node.Name,
				Type:        node.Type,
				Status:      models.NodeStatusPending,
				StatusSince: now,
			})
		}
	}

	err = o.persistence.Executions().Create(ctx, resumed)
	if err != nil {
		return nil, fmt.Errorf("failed to persist resumed execution: %w", err)
	}

	o.appendEvent(ctx, resumed, events.LogExecutionQueued, map[string]any{
		"execution_id": resumed.ID,
		"triggered_by": "resume",
		"resumed_from": executionID,
		"resume_node":  nodeID,
	})

	o.publish(ctx, resumed, events.RunQueued{
		BaseEvent: o.baseEvent(events.RunQueuedEvent, resumed),
		Owner:     resumed.Owner,
	})

	err = o.runQueue.Enqueue(ctx, resumed.RunKind, resumed.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue resumed run %s: %w", resumed.ID, err)
	}

	o.logger.InfoContext(ctx, "run resumed", "execution_id", resumed.ID, "resumed_from", executionID, "resume_node", nodeID)

	return resumed, nil
}
