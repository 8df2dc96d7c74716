package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/caprun-io/caprun/pkg/models"
	"github.com/caprun-io/caprun/pkg/persistence"
	"github.com/caprun-io/caprun/pkg/persistence/postgresql"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Drop children first so foreign keys do not block.
	for _, table := range []string{"execution_events", "node_executions", "executions", "workflow_definitions", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("caprun_test"),
			postgres.WithUsername("caprun"),
			postgres.WithPassword("caprun"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	persist, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = persist.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return persist, ctx
}

func testExecution(id, owner string, key *string) *models.ExecutionInstance {
	now := time.Now().UTC()

	return &models.ExecutionInstance{
		ID:             id,
		RunKind:        models.RunKindWorkflow,
		Status:         models.ExecutionStatusQueued,
		Owner:          owner,
		IdempotencyKey: key,
		TriggeredBy:    "api",
		CreatedAt:      now,
		Nodes:          []*models.Node{{ID: "a", Name: "First", Type: "transform"}},
		NodeExecutions: []*models.NodeExecution{{
			NodeID:      "a",
			Name:        "First",
			Type:        "transform",
			Status:      models.NodeStatusPending,
			StatusSince: now,
		}},
	}
}

func TestNewPersistence_Migrations(t *testing.T) {
	p, ctx := setupTestDB(t)

	require.NoError(t, p.HealthCheck(ctx))

	// The schema is usable end to end right after migration.
	require.NoError(t, p.Executions().Create(ctx, testExecution("run-1", "user-1", nil)))

	stored, err := p.Executions().GetByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusQueued, stored.Status)
	require.Len(t, stored.NodeExecutions, 1)
}

func TestExecutionRepository_IdempotencyUniqueIndex(t *testing.T) {
	p, ctx := setupTestDB(t)
	key := "retry-1"

	require.NoError(t, p.Executions().Create(ctx, testExecution("run-1", "user-1", &key)))

	err := p.Executions().Create(ctx, testExecution("run-2", "user-1", &key))
	require.ErrorIs(t, err, persistence.ErrDuplicateIdempotencyKey)

	// Same key, different owner: independent runs.
	require.NoError(t, p.Executions().Create(ctx, testExecution("run-3", "user-2", &key)))

	winner, err := p.Executions().GetByIdempotencyKey(ctx, "user-1", key)
	require.NoError(t, err)
	assert.Equal(t, "run-1", winner.ID)
}

func TestExecutionRepository_ConditionalUpdates(t *testing.T) {
	p, ctx := setupTestDB(t)
	require.NoError(t, p.Executions().Create(ctx, testExecution("run-1", "user-1", nil)))

	applied, err := p.Executions().UpdateStatus(ctx, "run-1",
		[]models.ExecutionStatus{models.ExecutionStatusQueued},
		models.ExecutionStatusRunning, "", nil)
	require.NoError(t, err)
	assert.True(t, applied)

	// The guard no longer matches.
	applied, err = p.Executions().UpdateStatus(ctx, "run-1",
		[]models.ExecutionStatus{models.ExecutionStatusQueued},
		models.ExecutionStatusCancelled, "", nil)
	require.NoError(t, err)
	assert.False(t, applied)

	started := time.Now().UTC()
	applied, err = p.Executions().UpdateNodeExecution(ctx, "run-1", "a",
		[]models.NodeStatus{models.NodeStatusPending},
		persistence.NodeExecutionPatch{Status: models.NodeStatusRunning, StartedAt: &started})
	require.NoError(t, err)
	assert.True(t, applied)

	// A duplicate delivery of the same transition loses.
	applied, err = p.Executions().UpdateNodeExecution(ctx, "run-1", "a",
		[]models.NodeStatus{models.NodeStatusPending},
		persistence.NodeExecutionPatch{Status: models.NodeStatusRunning})
	require.NoError(t, err)
	assert.False(t, applied)

	stored, err := p.Executions().GetByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status)
	assert.Equal(t, models.NodeStatusRunning, stored.NodeExecutionByID("a").Status)
}

func TestEventRepository_SequenceAssignment(t *testing.T) {
	p, ctx := setupTestDB(t)
	require.NoError(t, p.Executions().Create(ctx, testExecution("run-1", "user-1", nil)))

	for i := int64(1); i <= 3; i++ {
		seq, err := p.Events().Append(ctx, models.RunKindWorkflow, "run-1", "node-started", map[string]any{"n": i})
		require.NoError(t, err)
		assert.Equal(t, i, seq)
	}

	events, err := p.Events().GetEvents(ctx, models.RunKindWorkflow, "run-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Seq)
	assert.Equal(t, int64(3), events[1].Seq)
}

func TestEventRepository_ConcurrentAppendsStayDense(t *testing.T) {
	p, ctx := setupTestDB(t)
	require.NoError(t, p.Executions().Create(ctx, testExecution("run-1", "user-1", nil)))

	const writers = 10

	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := p.Events().Append(ctx, models.RunKindWorkflow, "run-1", "node-started", nil)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	events, err := p.Events().GetEvents(ctx, models.RunKindWorkflow, "run-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, writers)

	// The insert-select retry loop must produce a dense 1..N sequence.
	for i, event := range events {
		assert.Equal(t, int64(i+1), event.Seq)
	}
}

func TestDefinitionRepository_Lifecycle(t *testing.T) {
	p, ctx := setupTestDB(t)

	definition := &models.WorkflowDefinition{
		Name:  "Nightly Export",
		Owner: "user-1",
		Nodes: []*models.Node{{ID: "export", Name: "Export", Type: "transform"}},
	}
	require.NoError(t, p.Definitions().Save(ctx, definition))
	require.NotEmpty(t, definition.ID)

	stored, err := p.Definitions().GetByID(ctx, definition.ID)
	require.NoError(t, err)
	assert.Equal(t, "Nightly Export", stored.Name)
	require.Len(t, stored.Nodes, 1)

	require.NoError(t, p.Definitions().Delete(ctx, definition.ID))

	_, err = p.Definitions().GetByID(ctx, definition.ID)
	require.ErrorIs(t, err, persistence.ErrDefinitionNotFound)

	all, err := p.Definitions().GetAll(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, all)
}
