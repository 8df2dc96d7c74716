package file

import (
	"context"
	"sort"
	"time"

	"github.com/caprun-io/caprun/pkg/models"
	"github.com/caprun-io/caprun/pkg/persistence"
)

const executionPrefix = "execution-"

// ExecutionRepository stores each execution instance, including its node
// executions, as a single JSON document.
type ExecutionRepository struct {
	persistence *Persistence
}

func executionDoc(id string) string {
	return executionPrefix + id + ".json"
}

func (r *ExecutionRepository) Create(ctx context.Context, execution *models.ExecutionInstance) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	if execution.IdempotencyKey != nil {
		existing, err := r.findByIdempotencyKey(execution.Owner, *execution.IdempotencyKey)
		if err != nil {
			return err
		}

		if existing != nil {
			return persistence.ErrDuplicateIdempotencyKey
		}
	}

	return r.persistence.write(executionDoc(execution.ID), execution)
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.ExecutionInstance, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	return r.getLocked(id)
}

func (r *ExecutionRepository) getLocked(id string) (*models.ExecutionInstance, error) {
	var execution models.ExecutionInstance

	found, err := r.persistence.read(executionDoc(id), &execution)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrExecutionNotFound
	}

	return &execution, nil
}

func (r *ExecutionRepository) GetByIdempotencyKey(ctx context.Context, owner, key string) (*models.ExecutionInstance, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	execution, err := r.findByIdempotencyKey(owner, key)
	if err != nil {
		return nil, err
	}

	if execution == nil {
		return nil, persistence.ErrExecutionNotFound
	}

	return execution, nil
}

func (r *ExecutionRepository) findByIdempotencyKey(owner, key string) (*models.ExecutionInstance, error) {
	executions, err := r.allLocked()
	if err != nil {
		return nil, err
	}

	for _, execution := range executions {
		if execution.Owner == owner && execution.IdempotencyKey != nil && *execution.IdempotencyKey == key {
			return execution, nil
		}
	}

	return nil, nil
}

func (r *ExecutionRepository) List(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.ExecutionInstance, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	executions, err := r.allLocked()
	if err != nil {
		return nil, err
	}

	var matched []*models.ExecutionInstance

	for _, execution := range executions {
		if filter.Owner != "" && execution.Owner != filter.Owner {
			continue
		}

		if filter.DefinitionID != "" && (execution.DefinitionID == nil || *execution.DefinitionID != filter.DefinitionID) {
			continue
		}

		if filter.Status != nil && execution.Status != *filter.Status {
			continue
		}

		// List views are projections: drop the snapshot fields.
		projection := *execution
		projection.Nodes = nil
		projection.Edges = nil
		projection.NodeExecutions = nil
		matched = append(matched, &projection)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}

		matched = matched[filter.Offset:]
	}

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	return matched, nil
}

func (r *ExecutionRepository) allLocked() ([]*models.ExecutionInstance, error) {
	names, err := r.persistence.list(executionPrefix)
	if err != nil {
		return nil, err
	}

	executions := make([]*models.ExecutionInstance, 0, len(names))

	for _, name := range names {
		var execution models.ExecutionInstance

		found, err := r.persistence.read(name, &execution)
		if err != nil {
			return nil, err
		}

		if found {
			executions = append(executions, &execution)
		}
	}

	return executions, nil
}

func (r *ExecutionRepository) UpdateStatus(ctx context.Context, id string, expected []models.ExecutionStatus, to models.ExecutionStatus, errorMessage string, completedAt *time.Time) (bool, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	execution, err := r.getLocked(id)
	if err != nil {
		return false, err
	}

	if !statusExpected(execution.Status, expected) {
		return false, nil
	}

	execution.Status = to
	if errorMessage != "" {
		execution.ErrorMessage = errorMessage
	}

	if completedAt != nil {
		execution.CompletedAt = completedAt
	}

	if err := r.persistence.write(executionDoc(id), execution); err != nil {
		return false, err
	}

	return true, nil
}

func (r *ExecutionRepository) UpdateNodeExecution(ctx context.Context, executionID, nodeID string, expected []models.NodeStatus, patch persistence.NodeExecutionPatch) (bool, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	execution, err := r.getLocked(executionID)
	if err != nil {
		return false, err
	}

	node := execution.NodeExecutionByID(nodeID)
	if node == nil {
		return false, persistence.ErrNodeExecutionNotFound
	}

	if !nodeStatusExpected(node.Status, expected) {
		return false, nil
	}

	applyPatch(node, patch)

	if err := r.persistence.write(executionDoc(executionID), execution); err != nil {
		return false, err
	}

	return true, nil
}

func applyPatch(node *models.NodeExecution, patch persistence.NodeExecutionPatch) {
	if patch.Status != "" && patch.Status != node.Status {
		node.Status = patch.Status
		node.StatusSince = time.Now().UTC()
	}

	if patch.Output != nil {
		node.Output = patch.Output
	}

	if patch.OutputArtifacts != nil {
		node.OutputArtifacts = patch.OutputArtifacts
	}

	if patch.Logs != nil {
		node.Logs = *patch.Logs
	}

	if patch.ErrorMessage != nil {
		node.ErrorMessage = *patch.ErrorMessage
	}

	if patch.BackingJobID != nil {
		node.BackingJobID = patch.BackingJobID
	}

	if patch.StartedAt != nil {
		node.StartedAt = patch.StartedAt
	}

	if patch.CompletedAt != nil {
		node.CompletedAt = patch.CompletedAt
	}

	if patch.DurationMs != nil {
		node.DurationMs = *patch.DurationMs
	}
}

func statusExpected(current models.ExecutionStatus, expected []models.ExecutionStatus) bool {
	if len(expected) == 0 {
		return true
	}

	for _, status := range expected {
		if current == status {
			return true
		}
	}

	return false
}

func nodeStatusExpected(current models.NodeStatus, expected []models.NodeStatus) bool {
	if len(expected) == 0 {
		return true
	}

	for _, status := range expected {
		if current == status {
			return true
		}
	}

	return false
}
