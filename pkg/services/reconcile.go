package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caprun-io/caprun/pkg/events"
	"github.com/caprun-io/caprun/pkg/models"
	"github.com/caprun-io/caprun/pkg/persistence"
	"github.com/caprun-io/caprun/pkg/protocol"
	"github.com/caprun-io/caprun/pkg/queue"
)

const (
	// How long a node with a dispatched backing job may sit in a
	// transient status before the sweep fails it.
	defaultBackingJobTimeout = 30 * time.Minute

	// How long a Running node may sit with no backing job at all
	// (e.g. a pre-dispatch parsing phase).
	defaultDispatchTimeout = 5 * time.Minute
)

// Reconciler is the opportunistic drift detector. It resynchronizes nodes
// stuck in a transient status against the ground-truth status of their
// backing job, or times them out. It is a reconciler, not a source of
// truth: every correction goes through the same conditional-update
// discipline as the worker callbacks and is recorded as a new event.
type Reconciler struct {
	persistence       persistence.Persistence
	jobs              protocol.BackingJobClient
	runQueue          queue.RunQueue
	logger            *slog.Logger
	backingJobTimeout time.Duration
	dispatchTimeout   time.Duration
	now               func() time.Time
}

// NewReconciler builds a sweep over the given store. jobs may be nil when
// no gateway is configured; job resync is then skipped and only the
// timeout repairs apply. runQueue may be nil; corrections then rely on the
// next delivery to resume traversal.
func NewReconciler(p persistence.Persistence, jobs protocol.BackingJobClient, runQueue queue.RunQueue, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		persistence:       p,
		jobs:              jobs,
		runQueue:          runQueue,
		logger:            logger.With("module", "reconciler"),
		backingJobTimeout: defaultBackingJobTimeout,
		dispatchTimeout:   defaultDispatchTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// ReconcileExecution sweeps one run and returns the number of corrections
// applied. Running it again immediately produces no further change.
func (r *Reconciler) ReconcileExecution(ctx context.Context, executionID string) (int, error) {
	execution, err := r.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		return 0, err
	}

	corrections := 0

	for _, node := range execution.NodeExecutions {
		if node.Status.IsTerminal() {
			continue
		}

		corrected, err := r.reconcileNode(ctx, execution, node)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to reconcile node", "execution_id", executionID, "node_id", node.NodeID, "error", err)

			continue
		}

		if corrected {
			corrections++
		}
	}

	// Settle even with zero corrections: a run whose nodes all finished
	// but whose status is stuck transient (worker died before marking the
	// run) is exactly the drift this sweep exists for.
	settled, err := r.settleRunStatus(ctx, executionID, execution.RunKind)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to settle run status", "execution_id", executionID, "error", err)
	}

	// An adopted backing job result leaves downstream Pending nodes with
	// nobody walking them. Hand the run back to a worker.
	if corrections > 0 && !settled && r.runQueue != nil {
		err = r.runQueue.Enqueue(ctx, execution.RunKind, executionID)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to re-enqueue reconciled run", "execution_id", executionID, "error", err)
		}
	}

	return corrections, nil
}

func (r *Reconciler) reconcileNode(ctx context.Context, execution *models.ExecutionInstance, node *models.NodeExecution) (bool, error) {
	age := r.now().Sub(node.StatusSince)

	if node.BackingJobID == nil {
		// Pending nodes are waiting on upstream traversal, not stuck. The
		// dispatch timeout only covers nodes a worker claimed and lost.
		if node.Status != models.NodeStatusRunning || age < r.dispatchTimeout {
			return false, nil
		}

		return r.failNode(ctx, execution, node,
			fmt.Sprintf("stuck in status '%s' for %s without a backing job", node.Status, age.Truncate(time.Second)))
	}

	if r.jobs == nil {
		if age < r.backingJobTimeout {
			return false, nil
		}

		return r.failNode(ctx, execution, node,
			fmt.Sprintf("timed out after %s waiting for backing job %s", age.Truncate(time.Second), *node.BackingJobID))
	}

	status, err := r.jobs.Status(ctx, *node.BackingJobID)
	if err != nil {
		return false, fmt.Errorf("failed to fetch backing job %s: %w", *node.BackingJobID, err)
	}

	switch status.State {
	case protocol.JobStateCompleted:
		return r.completeNode(ctx, execution, node, status)

	case protocol.JobStateFailed:
		message := status.Error
		if message == "" {
			message = "backing job failed"
		}

		return r.failNode(ctx, execution, node, message)

	case protocol.JobStateCancelled:
		message := status.Error
		if message == "" {
			message = "backing job was cancelled"
		}

		return r.failNode(ctx, execution, node, message)

	default:
		if age < r.backingJobTimeout {
			return false, nil
		}

		return r.failNode(ctx, execution, node,
			fmt.Sprintf("timed out after %s waiting for backing job %s", age.Truncate(time.Second), *node.BackingJobID))
	}
}

func (r *Reconciler) completeNode(ctx context.Context, execution *models.ExecutionInstance, node *models.NodeExecution, status *protocol.JobStatus) (bool, error) {
	now := r.now()
	clearError := ""
	patch := persistence.NodeExecutionPatch{
		Status:       models.NodeStatusCompleted,
		ErrorMessage: &clearError,
		CompletedAt:  &now,
		Output: map[string]any{
			"job_id":     *node.BackingJobID,
			"output_url": status.OutputURL,
		},
	}

	if status.OutputURL != "" {
		patch.OutputArtifacts = []models.Artifact{{
			ID:   *node.BackingJobID,
			Name: node.Name,
			URL:  status.OutputURL,
		}}
	}

	applied, err := r.persistence.Executions().UpdateNodeExecution(ctx, execution.ID, node.NodeID,
		models.TransientNodeStatuses, patch)
	if err != nil || !applied {
		return false, err
	}

	r.appendCorrection(ctx, execution, node.NodeID, models.NodeStatusCompleted, map[string]any{
		"backing_job_id": *node.BackingJobID,
		"output_url":     status.OutputURL,
	})

	return true, nil
}

func (r *Reconciler) failNode(ctx context.Context, execution *models.ExecutionInstance, node *models.NodeExecution, message string) (bool, error) {
	now := r.now()

	applied, err := r.persistence.Executions().UpdateNodeExecution(ctx, execution.ID, node.NodeID,
		models.TransientNodeStatuses,
		persistence.NodeExecutionPatch{
			Status:       models.NodeStatusFailed,
			ErrorMessage: &message,
			CompletedAt:  &now,
		})
	if err != nil || !applied {
		return false, err
	}

	r.appendCorrection(ctx, execution, node.NodeID, models.NodeStatusFailed, map[string]any{
		"error": message,
	})

	return true, nil
}

// settleRunStatus repairs the run status when every node has reached a
// terminal state but the run itself is still transient. It reports whether
// the run is terminal afterwards.
func (r *Reconciler) settleRunStatus(ctx context.Context, executionID string, kind models.RunKind) (bool, error) {
	execution, err := r.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		return false, err
	}

	if execution.Status.IsTerminal() {
		return true, nil
	}

	failedMessage := ""
	for _, node := range execution.NodeExecutions {
		if !node.Status.IsTerminal() {
			return false, nil
		}

		if node.Status == models.NodeStatusFailed && failedMessage == "" {
			failedMessage = node.ErrorMessage
		}
	}

	now := r.now()
	transient := []models.ExecutionStatus{models.ExecutionStatusQueued, models.ExecutionStatusRunning}

	if failedMessage != "" {
		applied, err := r.persistence.Executions().UpdateStatus(ctx, executionID, transient,
			models.ExecutionStatusFailed, failedMessage, &now)
		if err != nil || !applied {
			return err == nil, err
		}

		_, err = r.persistence.Events().Append(ctx, kind, executionID, events.LogExecutionFailed, map[string]any{
			"execution_id": executionID,
			"error":        failedMessage,
			"reconciled":   true,
		})

		return true, err
	}

	applied, err := r.persistence.Executions().UpdateStatus(ctx, executionID, transient,
		models.ExecutionStatusCompleted, "", &now)
	if err != nil || !applied {
		return err == nil, err
	}

	_, err = r.persistence.Events().Append(ctx, kind, executionID, events.LogExecutionCompleted, map[string]any{
		"execution_id": executionID,
		"reconciled":   true,
	})

	return true, err
}

func (r *Reconciler) appendCorrection(ctx context.Context, execution *models.ExecutionInstance, nodeID string, status models.NodeStatus, extra map[string]any) {
	payload := map[string]any{
		"execution_id": execution.ID,
		"node_id":      nodeID,
		"status":       status,
	}
	for k, v := range extra {
		payload[k] = v
	}

	_, err := r.persistence.Events().Append(ctx, execution.RunKind, execution.ID, events.LogNodeReconciled, payload)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to append reconciliation event", "execution_id", execution.ID, "node_id", nodeID, "error", err)
	}
}
