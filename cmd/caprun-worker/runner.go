package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/caprun-io/caprun/pkg/models"
	"github.com/caprun-io/caprun/pkg/otelhelper"
	"github.com/caprun-io/caprun/pkg/persistence"
	"github.com/caprun-io/caprun/pkg/protocol"
	"github.com/caprun-io/caprun/pkg/queue"
	"github.com/caprun-io/caprun/pkg/registry"
	"github.com/caprun-io/caprun/pkg/services"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Runner walks an execution's node snapshot in definition order and records
// every transition through the orchestrator. A node that dispatches an
// async backing job suspends the traversal; the reconciliation sweep
// settles the run later. Redeliveries are harmless: the conditional
// Pending-to-Running transition turns a duplicate into a no-op.
type Runner struct {
	workerID     string
	orchestrator *services.Orchestrator
	persistence  persistence.Persistence
	registry     *registry.Registry
	tracer       trace.Tracer
	logger       *slog.Logger
}

func NewRunner(
	workerID string,
	orchestrator *services.Orchestrator,
	persist persistence.Persistence,
	reg *registry.Registry,
	tracer trace.Tracer,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		workerID:     workerID,
		orchestrator: orchestrator,
		persistence:  persist,
		registry:     reg,
		tracer:       tracer,
		logger:       logger.With("module", "runner"),
	}
}

// HandleRun is the run queue callback.
func (r *Runner) HandleRun(ctx context.Context, run queue.QueuedRun) error {
	execution, err := r.persistence.Executions().GetByID(ctx, run.RunID)
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			r.logger.WarnContext(ctx, "queued run no longer exists", "execution_id", run.RunID)

			return nil
		}

		return err
	}

	if execution.Status.IsTerminal() {
		return nil
	}

	applied, err := r.orchestrator.MarkRunStarted(ctx, execution.RunKind, execution.ID)
	if err != nil {
		return err
	}

	// A lost claim on a queued run means another worker owns it. A run
	// already in Running is a redelivery of our own claim; resume the
	// traversal, finished nodes are skipped below.
	if !applied && execution.Status == models.ExecutionStatusQueued {
		return nil
	}

	return r.executeNodes(ctx, execution)
}

func (r *Runner) executeNodes(ctx context.Context, execution *models.ExecutionInstance) error {
	upstream := make(map[string]map[string]any)

	var failureMessage string

	failed := false

	for _, node := range execution.Nodes {
		nodeExecution := execution.NodeExecutionByID(node.ID)
		if nodeExecution == nil {
			return fmt.Errorf("execution %s has no node execution for node '%s'", execution.ID, node.ID)
		}

		if nodeExecution.Status.IsTerminal() {
			if nodeExecution.Status == models.NodeStatusCompleted {
				upstream[node.ID] = nodeExecution.Output
			}

			if nodeExecution.Status == models.NodeStatusFailed && !failed {
				failed = true
				failureMessage = fmt.Sprintf("node '%s' failed", node.ID)
			}

			continue
		}

		if failed {
			_, err := r.orchestrator.SkipNode(ctx, execution.RunKind, execution.ID, node.ID, "upstream node failed")
			if err != nil {
				return err
			}

			continue
		}

		outcome, err := r.executeNode(ctx, execution, node, upstream)
		if err != nil {
			return err
		}

		switch outcome.kind {
		case nodeOutcomeCompleted:
			upstream[node.ID] = outcome.output
		case nodeOutcomeFailed:
			failed = true
			failureMessage = outcome.message
		case nodeOutcomeSuspended:
			// An async job is in flight. The run stays Running and is
			// settled by a later callback or the reconciliation sweep.
			return nil
		case nodeOutcomeLostRace:
			return nil
		}
	}

	if failed {
		_, err := r.orchestrator.MarkRunFailed(ctx, execution.RunKind, execution.ID, failureMessage)

		return err
	}

	_, err := r.orchestrator.MarkRunCompleted(ctx, execution.RunKind, execution.ID)

	return err
}

type nodeOutcomeKind int

const (
	nodeOutcomeCompleted nodeOutcomeKind = iota
	nodeOutcomeFailed
	nodeOutcomeSuspended
	nodeOutcomeLostRace
)

type nodeOutcome struct {
	kind    nodeOutcomeKind
	output  map[string]any
	message string
}

func (r *Runner) executeNode(ctx context.Context, execution *models.ExecutionInstance, node *models.Node, upstream map[string]map[string]any) (nodeOutcome, error) {
	applied, err := r.orchestrator.StartNode(ctx, execution.RunKind, execution.ID, node.ID)
	if err != nil {
		return nodeOutcome{}, err
	}

	if !applied {
		// Another worker or the sweep got there first. Leave the run to
		// whoever owns the node now.
		return nodeOutcome{kind: nodeOutcomeLostRace}, nil
	}

	ctx, span := r.startNodeSpan(ctx, execution, node)
	defer span.End()

	executor, ok := r.registry.Executor(node.Type)
	if !ok {
		message := fmt.Sprintf("no executor registered for capsule type '%s'", node.Type)
		otelhelper.SetError(span, errors.New(message))

		if _, err := r.orchestrator.FailNode(ctx, execution.RunKind, execution.ID, node.ID, message); err != nil {
			return nodeOutcome{}, err
		}

		return nodeOutcome{kind: nodeOutcomeFailed, message: message}, nil
	}

	input := protocol.ExecutionInput{
		Variables: execution.Variables,
		Upstream:  upstream,
	}

	result, err := executor.Execute(ctx, node, input, r.logger)
	if err != nil {
		otelhelper.SetError(span, err)

		message := err.Error()
		if _, failErr := r.orchestrator.FailNode(ctx, execution.RunKind, execution.ID, node.ID, message); failErr != nil {
			return nodeOutcome{}, failErr
		}

		return nodeOutcome{kind: nodeOutcomeFailed, message: message}, nil
	}

	if result.BackingJobID != "" {
		span.SetAttributes(attribute.String(otelhelper.BackingJobIDKey, result.BackingJobID))

		if _, err := r.orchestrator.AttachBackingJob(ctx, execution.ID, node.ID, result.BackingJobID); err != nil {
			return nodeOutcome{}, err
		}

		return nodeOutcome{kind: nodeOutcomeSuspended}, nil
	}

	if _, err := r.orchestrator.CompleteNode(ctx, execution.RunKind, execution.ID, node.ID, result.Output, result.Artifacts, result.Logs); err != nil {
		return nodeOutcome{}, err
	}

	return nodeOutcome{kind: nodeOutcomeCompleted, output: result.Output}, nil
}

func (r *Runner) startNodeSpan(ctx context.Context, execution *models.ExecutionInstance, node *models.Node) (context.Context, trace.Span) {
	if r.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return otelhelper.StartSpan(ctx, r.tracer, "worker.execute_node",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.RunKindKey, string(execution.RunKind)),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.CapsuleTypeKey, node.Type),
		attribute.String(otelhelper.WorkerIDKey, r.workerID),
	)
}
