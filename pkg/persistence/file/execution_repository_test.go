package file

import (
	"testing"
	"time"

	"github.com/caprun-io/caprun/pkg/models"
	"github.com/caprun-io/caprun/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleExecution(id, owner string, key *string) *models.ExecutionInstance {
	return &models.ExecutionInstance{
		ID:             id,
		RunKind:        models.RunKindWorkflow,
		Status:         models.ExecutionStatusQueued,
		Owner:          owner,
		IdempotencyKey: key,
		TriggeredBy:    "api",
		CreatedAt:      time.Now().UTC(),
		Nodes:          []*models.Node{{ID: "a", Name: "First", Type: "noop"}},
		NodeExecutions: []*models.NodeExecution{{
			NodeID:      "a",
			Name:        "First",
			Type:        "noop",
			Status:      models.NodeStatusPending,
			StatusSince: time.Now().UTC(),
		}},
	}
}

func TestExecutionRepository_IdempotencyKeyUniquePerOwner(t *testing.T) {
	repo := NewPersistence(t.TempDir()).Executions()
	key := "retry-1"

	require.NoError(t, repo.Create(t.Context(), sampleExecution("run-1", "user-1", &key)))

	err := repo.Create(t.Context(), sampleExecution("run-2", "user-1", &key))
	require.ErrorIs(t, err, persistence.ErrDuplicateIdempotencyKey)

	// Same key, different owner: no conflict.
	require.NoError(t, repo.Create(t.Context(), sampleExecution("run-3", "user-2", &key)))

	winner, err := repo.GetByIdempotencyKey(t.Context(), "user-1", key)
	require.NoError(t, err)
	assert.Equal(t, "run-1", winner.ID)
}

func TestExecutionRepository_UpdateStatusGuard(t *testing.T) {
	repo := NewPersistence(t.TempDir()).Executions()
	require.NoError(t, repo.Create(t.Context(), sampleExecution("run-1", "user-1", nil)))

	applied, err := repo.UpdateStatus(t.Context(), "run-1",
		[]models.ExecutionStatus{models.ExecutionStatusQueued},
		models.ExecutionStatusRunning, "", nil)
	require.NoError(t, err)
	assert.True(t, applied)

	// The guard no longer matches: the run left Queued.
	applied, err = repo.UpdateStatus(t.Context(), "run-1",
		[]models.ExecutionStatus{models.ExecutionStatusQueued},
		models.ExecutionStatusCancelled, "", nil)
	require.NoError(t, err)
	assert.False(t, applied)

	stored, err := repo.GetByID(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status)
}

func TestExecutionRepository_UpdateNodeExecutionGuard(t *testing.T) {
	repo := NewPersistence(t.TempDir()).Executions()
	require.NoError(t, repo.Create(t.Context(), sampleExecution("run-1", "user-1", nil)))

	started := time.Now().UTC()

	applied, err := repo.UpdateNodeExecution(t.Context(), "run-1", "a",
		[]models.NodeStatus{models.NodeStatusPending},
		persistence.NodeExecutionPatch{Status: models.NodeStatusRunning, StartedAt: &started})
	require.NoError(t, err)
	assert.True(t, applied)

	// A late duplicate of the same transition loses the guard.
	applied, err = repo.UpdateNodeExecution(t.Context(), "run-1", "a",
		[]models.NodeStatus{models.NodeStatusPending},
		persistence.NodeExecutionPatch{Status: models.NodeStatusRunning})
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = repo.UpdateNodeExecution(t.Context(), "run-1", "ghost",
		[]models.NodeStatus{models.NodeStatusPending},
		persistence.NodeExecutionPatch{Status: models.NodeStatusRunning})
	require.ErrorIs(t, err, persistence.ErrNodeExecutionNotFound)
}

func TestExecutionRepository_ListProjection(t *testing.T) {
	repo := NewPersistence(t.TempDir()).Executions()

	first := sampleExecution("run-1", "user-1", nil)
	first.CreatedAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, repo.Create(t.Context(), first))
	require.NoError(t, repo.Create(t.Context(), sampleExecution("run-2", "user-1", nil)))
	require.NoError(t, repo.Create(t.Context(), sampleExecution("run-3", "user-2", nil)))

	mine, err := repo.List(t.Context(), persistence.ExecutionFilter{Owner: "user-1"})
	require.NoError(t, err)
	require.Len(t, mine, 2)

	// Newest first, and snapshots are stripped from list views.
	assert.Equal(t, "run-2", mine[0].ID)
	assert.Nil(t, mine[0].Nodes)
	assert.Nil(t, mine[0].NodeExecutions)

	paged, err := repo.List(t.Context(), persistence.ExecutionFilter{Owner: "user-1", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "run-1", paged[0].ID)
}
