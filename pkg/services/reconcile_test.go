package services

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/caprun-io/caprun/pkg/models"
	"github.com/caprun-io/caprun/pkg/persistence"
	"github.com/caprun-io/caprun/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	statuses map[string]*protocol.JobStatus
}

func (f *fakeJobs) Dispatch(_ context.Context, jobType string, _ map[string]any) (string, error) {
	return "job-" + jobType, nil
}

func (f *fakeJobs) Status(_ context.Context, jobID string) (*protocol.JobStatus, error) {
	status, ok := f.statuses[jobID]
	if !ok {
		return nil, fmt.Errorf("backing job '%s' not found", jobID)
	}

	return status, nil
}

func newTestReconciler(t *testing.T, persist persistence.Persistence, jobs protocol.BackingJobClient) (*Reconciler, *stubQueue) {
	t.Helper()

	runQueue := &stubQueue{}

	return NewReconciler(persist, jobs, runQueue, slog.Default()), runQueue
}

// seedAsyncRun creates a running execution whose node "a" is Running with
// a backing job attached and whose node "b" is still Pending.
func seedAsyncRun(t *testing.T, orchestrator *Orchestrator, jobID string) *models.ExecutionInstance {
	t.Helper()

	execution := seedQueuedRun(t, orchestrator)

	_, err := orchestrator.MarkRunStarted(t.Context(), execution.RunKind, execution.ID)
	require.NoError(t, err)
	_, err = orchestrator.StartNode(t.Context(), execution.RunKind, execution.ID, "a")
	require.NoError(t, err)
	_, err = orchestrator.AttachBackingJob(t.Context(), execution.ID, "a", jobID)
	require.NoError(t, err)

	return execution
}

func TestReconcile_CompletedBackingJob(t *testing.T) {
	orchestrator, _, persist := newTestOrchestrator(t)
	execution := seedAsyncRun(t, orchestrator, "job-1")

	jobs := &fakeJobs{statuses: map[string]*protocol.JobStatus{
		"job-1": {State: protocol.JobStateCompleted, OutputURL: "https://cdn.example.com/out.png"},
	}}
	reconciler, runQueue := newTestReconciler(t, persist, jobs)

	corrections, err := reconciler.ReconcileExecution(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, corrections)

	stored, err := persist.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)

	node := stored.NodeExecutionByID("a")
	assert.Equal(t, models.NodeStatusCompleted, node.Status)
	require.Len(t, node.OutputArtifacts, 1)
	assert.Equal(t, "https://cdn.example.com/out.png", node.OutputArtifacts[0].URL)
	assert.Equal(t, "https://cdn.example.com/out.png", node.Output["output_url"])

	// Node "b" is still Pending, so the run must not settle yet.
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status)

	// The adopted result strands downstream nodes unless a worker takes
	// the run back up.
	require.Len(t, runQueue.enqueued, 1)
	assert.Equal(t, execution.ID, runQueue.enqueued[0].RunID)
	assert.Equal(t, execution.RunKind, runQueue.enqueued[0].RunKind)

	// The correction is visible to streaming observers.
	logged, err := persist.Events().GetEvents(t.Context(), execution.RunKind, execution.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "node-reconciled", logged[len(logged)-1].EventName)
}

func TestReconcile_Idempotent(t *testing.T) {
	orchestrator, _, persist := newTestOrchestrator(t)
	execution := seedAsyncRun(t, orchestrator, "job-1")

	jobs := &fakeJobs{statuses: map[string]*protocol.JobStatus{
		"job-1": {State: protocol.JobStateCompleted},
	}}
	reconciler, runQueue := newTestReconciler(t, persist, jobs)

	first, err := reconciler.ReconcileExecution(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first)

	// Running the sweep again produces no further change and no second
	// hand-off to the workers.
	second, err := reconciler.ReconcileExecution(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Zero(t, second)
	assert.Len(t, runQueue.enqueued, 1)
}

func TestReconcile_FailedBackingJob(t *testing.T) {
	orchestrator, _, persist := newTestOrchestrator(t)
	execution := seedAsyncRun(t, orchestrator, "job-1")

	jobs := &fakeJobs{statuses: map[string]*protocol.JobStatus{
		"job-1": {State: protocol.JobStateFailed, Error: "model overloaded"},
	}}
	reconciler, _ := newTestReconciler(t, persist, jobs)

	corrections, err := reconciler.ReconcileExecution(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, corrections)

	stored, err := persist.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, "model overloaded", stored.NodeExecutionByID("a").ErrorMessage)
	assert.Equal(t, models.NodeStatusFailed, stored.NodeExecutionByID("a").Status)
}

func TestReconcile_JobStillRunningWithinTimeout(t *testing.T) {
	orchestrator, _, persist := newTestOrchestrator(t)
	execution := seedAsyncRun(t, orchestrator, "job-1")

	jobs := &fakeJobs{statuses: map[string]*protocol.JobStatus{
		"job-1": {State: protocol.JobStateRunning},
	}}
	reconciler, _ := newTestReconciler(t, persist, jobs)

	corrections, err := reconciler.ReconcileExecution(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Zero(t, corrections)
}

func TestReconcile_PendingNodesAwaitTraversal(t *testing.T) {
	orchestrator, _, persist := newTestOrchestrator(t)
	execution := seedAsyncRun(t, orchestrator, "job-1")

	jobs := &fakeJobs{statuses: map[string]*protocol.JobStatus{
		"job-1": {State: protocol.JobStateRunning},
	}}
	reconciler, _ := newTestReconciler(t, persist, jobs)

	// Well past the dispatch window but within the backing job window.
	// "b" is Pending only because traversal is suspended behind "a"; the
	// sweep must leave both alone.
	reconciler.now = func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }

	corrections, err := reconciler.ReconcileExecution(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Zero(t, corrections)

	stored, err := persist.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusRunning, stored.NodeExecutionByID("a").Status)
	assert.Equal(t, models.NodeStatusPending, stored.NodeExecutionByID("b").Status)
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status)
}

func TestReconcile_StuckDispatchTimesOut(t *testing.T) {
	orchestrator, _, persist := newTestOrchestrator(t)
	execution := seedQueuedRun(t, orchestrator)

	// A worker claimed "a" and died before dispatching a job.
	_, err := orchestrator.MarkRunStarted(t.Context(), execution.RunKind, execution.ID)
	require.NoError(t, err)
	_, err = orchestrator.StartNode(t.Context(), execution.RunKind, execution.ID, "a")
	require.NoError(t, err)

	reconciler, _ := newTestReconciler(t, persist, &fakeJobs{})
	reconciler.now = func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }

	corrections, err := reconciler.ReconcileExecution(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, corrections)

	stored, err := persist.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.NodeExecutionByID("a").ErrorMessage, "without a backing job")
	assert.Equal(t, models.NodeStatusPending, stored.NodeExecutionByID("b").Status)
}

func TestReconcile_OverdueBackingJobTimesOut(t *testing.T) {
	orchestrator, _, persist := newTestOrchestrator(t)
	execution := seedAsyncRun(t, orchestrator, "job-1")

	jobs := &fakeJobs{statuses: map[string]*protocol.JobStatus{
		"job-1": {State: protocol.JobStateRunning},
	}}
	reconciler, runQueue := newTestReconciler(t, persist, jobs)
	reconciler.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	corrections, err := reconciler.ReconcileExecution(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, corrections)

	stored, err := persist.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusFailed, stored.NodeExecutionByID("a").Status)
	assert.Contains(t, stored.NodeExecutionByID("a").ErrorMessage, "timed out")

	// The untouched "b" stays Pending; a worker picks the run back up to
	// skip it and fail the run.
	assert.Equal(t, models.NodeStatusPending, stored.NodeExecutionByID("b").Status)
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status)
	require.Len(t, runQueue.enqueued, 1)
	assert.Equal(t, execution.ID, runQueue.enqueued[0].RunID)
}

func TestReconcile_WithoutGatewayClient(t *testing.T) {
	orchestrator, _, persist := newTestOrchestrator(t)
	execution := seedAsyncRun(t, orchestrator, "job-1")

	// No gateway configured. The sweep cannot resync against the job but
	// must not blow up the read path either.
	reconciler, _ := newTestReconciler(t, persist, nil)

	corrections, err := reconciler.ReconcileExecution(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Zero(t, corrections)

	// The timeout repair still applies once the job window is exhausted.
	reconciler.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	corrections, err = reconciler.ReconcileExecution(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, corrections)

	stored, err := persist.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.NodeExecutionByID("a").ErrorMessage, "waiting for backing job job-1")
}

func TestReconcile_SettlesCompletedRun(t *testing.T) {
	orchestrator, _, persist := newTestOrchestrator(t)
	execution := seedAsyncRun(t, orchestrator, "job-1")

	// The other node finished normally; only "a" is waiting on its job.
	_, err := orchestrator.StartNode(t.Context(), execution.RunKind, execution.ID, "b")
	require.NoError(t, err)
	_, err = orchestrator.CompleteNode(t.Context(), execution.RunKind, execution.ID, "b", nil, nil, "")
	require.NoError(t, err)

	jobs := &fakeJobs{statuses: map[string]*protocol.JobStatus{
		"job-1": {State: protocol.JobStateCompleted},
	}}
	reconciler, runQueue := newTestReconciler(t, persist, jobs)

	corrections, err := reconciler.ReconcileExecution(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, corrections)

	stored, err := persist.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)

	// A settled run never goes back to the workers.
	assert.Empty(t, runQueue.enqueued)

	logged, err := persist.Events().GetEvents(t.Context(), execution.RunKind, execution.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "execution-completed", logged[len(logged)-1].EventName)
}

func TestReconcile_SettlesRunWithoutCorrections(t *testing.T) {
	orchestrator, _, persist := newTestOrchestrator(t)
	execution := seedQueuedRun(t, orchestrator)

	// Every node finished but the worker died before marking the run.
	_, err := orchestrator.MarkRunStarted(t.Context(), execution.RunKind, execution.ID)
	require.NoError(t, err)

	for _, nodeID := range []string{"a", "b"} {
		_, err = orchestrator.StartNode(t.Context(), execution.RunKind, execution.ID, nodeID)
		require.NoError(t, err)
		_, err = orchestrator.CompleteNode(t.Context(), execution.RunKind, execution.ID, nodeID, nil, nil, "")
		require.NoError(t, err)
	}

	reconciler, _ := newTestReconciler(t, persist, &fakeJobs{})

	corrections, err := reconciler.ReconcileExecution(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Zero(t, corrections)

	stored, err := persist.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)

	logged, err := persist.Events().GetEvents(t.Context(), execution.RunKind, execution.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "execution-completed", logged[len(logged)-1].EventName)
}
