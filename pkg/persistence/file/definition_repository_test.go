package file

import (
	"testing"
	"time"

	"github.com/caprun-io/caprun/pkg/models"
	"github.com/caprun-io/caprun/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinitionRepository_SaveAssignsIdentity(t *testing.T) {
	repo := NewPersistence(t.TempDir()).Definitions()

	first := &models.WorkflowDefinition{Name: "Nightly Export", Owner: "user-1"}
	require.NoError(t, repo.Save(t.Context(), first))
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())
	assert.False(t, first.UpdatedAt.IsZero())

	// A second create must not collide with the first document.
	second := &models.WorkflowDefinition{Name: "Weekly Report", Owner: "user-1"}
	require.NoError(t, repo.Save(t.Context(), second))
	assert.NotEqual(t, first.ID, second.ID)

	all, err := repo.GetAll(t.Context(), "user-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDefinitionRepository_SavePreservesCreatedAt(t *testing.T) {
	repo := NewPersistence(t.TempDir()).Definitions()

	definition := &models.WorkflowDefinition{Name: "Nightly Export", Owner: "user-1"}
	require.NoError(t, repo.Save(t.Context(), definition))

	created := definition.CreatedAt
	definition.Name = "Nightly Export v2"
	time.Sleep(time.Millisecond)
	require.NoError(t, repo.Save(t.Context(), definition))

	stored, err := repo.GetByID(t.Context(), definition.ID)
	require.NoError(t, err)
	assert.Equal(t, "Nightly Export v2", stored.Name)
	assert.Equal(t, created.Unix(), stored.CreatedAt.Unix())
	assert.True(t, stored.UpdatedAt.After(created) || stored.UpdatedAt.Equal(created))
}

func TestDefinitionRepository_SoftDelete(t *testing.T) {
	repo := NewPersistence(t.TempDir()).Definitions()

	definition := &models.WorkflowDefinition{Name: "Nightly Export", Owner: "user-1"}
	require.NoError(t, repo.Save(t.Context(), definition))

	require.NoError(t, repo.Delete(t.Context(), definition.ID))

	_, err := repo.GetByID(t.Context(), definition.ID)
	require.ErrorIs(t, err, persistence.ErrDefinitionNotFound)

	all, err := repo.GetAll(t.Context(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, all)
}
