package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caprun-io/caprun/pkg/models"
	"github.com/caprun-io/caprun/pkg/persistence"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// ExecutionRepository handles execution-instance database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// Create inserts the instance and its node executions in one transaction.
// A unique violation on the idempotency index maps to
// persistence.ErrDuplicateIdempotencyKey for the caller to resolve.
func (r *ExecutionRepository) Create(ctx context.Context, execution *models.ExecutionInstance) error {
	nodesJSON, err := json.Marshal(execution.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes snapshot: %w", err)
	}

	edgesJSON, err := json.Marshal(execution.Edges)
	if err != nil {
		return fmt.Errorf("failed to marshal edges snapshot: %w", err)
	}

	variablesJSON, err := json.Marshal(execution.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		INSERT INTO executions (
			id, definition_id, run_kind, status, nodes, edges, variables,
			triggered_by, owner, idempotency_key, error_message, created_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = tx.ExecContext(ctx, query,
		execution.ID,
		execution.DefinitionID,
		execution.RunKind,
		execution.Status,
		nodesJSON,
		edgesJSON,
		variablesJSON,
		execution.TriggeredBy,
		execution.Owner,
		execution.IdempotencyKey,
		execution.ErrorMessage,
		execution.CreatedAt,
		execution.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.ErrDuplicateIdempotencyKey
		}

		return fmt.Errorf("failed to insert execution: %w", err)
	}

	for position, node := range execution.NodeExecutions {
		err = insertNodeExecution(ctx, tx, execution.ID, position, node)
		if err != nil {
			return err
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit execution: %w", err)
	}

	return nil
}

func insertNodeExecution(ctx context.Context, tx *sql.Tx, executionID string, position int, node *models.NodeExecution) error {
	outputJSON, err := json.Marshal(node.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal node output: %w", err)
	}

	artifactsJSON, err := json.Marshal(node.OutputArtifacts)
	if err != nil {
		return fmt.Errorf("failed to marshal node artifacts: %w", err)
	}

	if node.OutputArtifacts == nil {
		artifactsJSON = []byte("[]")
	}

	query := `
		INSERT INTO node_executions (
			execution_id, node_id, position, name, capsule_type, status,
			output, output_artifacts, logs, error_message, backing_job_id,
			status_since, started_at, completed_at, duration_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err = tx.ExecContext(ctx, query,
		executionID,
		node.NodeID,
		position,
		node.Name,
		node.Type,
		node.Status,
		outputJSON,
		artifactsJSON,
		node.Logs,
		node.ErrorMessage,
		node.BackingJobID,
		node.StatusSince,
		node.StartedAt,
		node.CompletedAt,
		node.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to insert node execution %s: %w", node.NodeID, err)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.ExecutionInstance, error) {
	query := `
		SELECT
			id
		  , definition_id
		  , run_kind
		  , status
		  , nodes
		  , edges
		  , variables
		  , triggered_by
		  , owner
		  , idempotency_key
		  , error_message
		  , created_at
		  , completed_at
		FROM executions
		WHERE id = $1
	`

	row := r.db.QueryRowContext(ctx, query, id)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	err = r.loadNodeExecutions(ctx, execution)
	if err != nil {
		return nil, err
	}

	return execution, nil
}

func (r *ExecutionRepository) GetByIdempotencyKey(ctx context.Context, owner, key string) (*models.ExecutionInstance, error) {
	query := `
		SELECT id FROM executions
		WHERE owner = $1 AND idempotency_key = $2
	`

	var id string

	err := r.db.QueryRowContext(ctx, query, owner, key).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	return r.GetByID(ctx, id)
}

// List returns projections without the node/edge snapshot.
func (r *ExecutionRepository) List(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.ExecutionInstance, error) {
	query := `
		SELECT
			id
		  , definition_id
		  , run_kind
		  , status
		  , triggered_by
		  , owner
		  , error_message
		  , created_at
		  , completed_at
		FROM executions
		WHERE ($1 = '' OR owner = $1)
		  AND ($2 = '' OR definition_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT CASE WHEN $4 > 0 THEN $4 ELSE NULL END
		OFFSET $5
	`

	status := ""
	if filter.Status != nil {
		status = string(*filter.Status)
	}

	rows, err := r.db.QueryContext(ctx, query, filter.Owner, filter.DefinitionID, status, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var executions []*models.ExecutionInstance

	for rows.Next() {
		execution := &models.ExecutionInstance{}

		err := rows.Scan(
			&execution.ID,
			&execution.DefinitionID,
			&execution.RunKind,
			&execution.Status,
			&execution.TriggeredBy,
			&execution.Owner,
			&execution.ErrorMessage,
			&execution.CreatedAt,
			&execution.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// UpdateStatus is a compare-and-swap on the run status.
func (r *ExecutionRepository) UpdateStatus(ctx context.Context, id string, expected []models.ExecutionStatus, to models.ExecutionStatus, errorMessage string, completedAt *time.Time) (bool, error) {
	query := `
		UPDATE executions
		SET status = $2,
		    error_message = CASE WHEN $3 <> '' THEN $3 ELSE error_message END,
		    completed_at = COALESCE($4, completed_at)
		WHERE id = $1
		  AND (cardinality($5::text[]) = 0 OR status = ANY($5::text[]))
	`

	result, err := r.db.ExecContext(ctx, query, id, to, errorMessage, completedAt, pq.Array(statusStrings(expected)))
	if err != nil {
		return false, fmt.Errorf("failed to update execution status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected > 0, nil
}

// UpdateNodeExecution is a compare-and-swap on one node's record.
func (r *ExecutionRepository) UpdateNodeExecution(ctx context.Context, executionID, nodeID string, expected []models.NodeStatus, patch persistence.NodeExecutionPatch) (bool, error) {
	var outputJSON []byte

	if patch.Output != nil {
		var err error

		outputJSON, err = json.Marshal(patch.Output)
		if err != nil {
			return false, fmt.Errorf("failed to marshal node output: %w", err)
		}
	}

	var artifactsJSON []byte

	if patch.OutputArtifacts != nil {
		var err error

		artifactsJSON, err = json.Marshal(patch.OutputArtifacts)
		if err != nil {
			return false, fmt.Errorf("failed to marshal node artifacts: %w", err)
		}
	}

	query := `
		UPDATE node_executions
		SET status = CASE WHEN $3 <> '' THEN $3 ELSE status END,
		    status_since = CASE WHEN $3 <> '' AND $3 <> status THEN NOW() ELSE status_since END,
		    output = COALESCE($4, output),
		    output_artifacts = COALESCE($5, output_artifacts),
		    logs = COALESCE($6, logs),
		    error_message = COALESCE($7, error_message),
		    backing_job_id = COALESCE($8, backing_job_id),
		    started_at = COALESCE($9, started_at),
		    completed_at = COALESCE($10, completed_at),
		    duration_ms = COALESCE($11, duration_ms)
		WHERE execution_id = $1
		  AND node_id = $2
		  AND (cardinality($12::text[]) = 0 OR status = ANY($12::text[]))
	`

	result, err := r.db.ExecContext(ctx, query,
		executionID,
		nodeID,
		string(patch.Status),
		outputJSON,
		artifactsJSON,
		patch.Logs,
		patch.ErrorMessage,
		patch.BackingJobID,
		patch.StartedAt,
		patch.CompletedAt,
		patch.DurationMs,
		pq.Array(nodeStatusStrings(expected)),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update node execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		// Distinguish a lost CAS from a missing node.
		var exists bool

		checkErr := r.db.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM node_executions WHERE execution_id = $1 AND node_id = $2)",
			executionID, nodeID,
		).Scan(&exists)
		if checkErr != nil {
			return false, fmt.Errorf("failed to check node execution existence: %w", checkErr)
		}

		if !exists {
			return false, persistence.ErrNodeExecutionNotFound
		}

		return false, nil
	}

	return true, nil
}

func (r *ExecutionRepository) loadNodeExecutions(ctx context.Context, execution *models.ExecutionInstance) error {
	query := `
		SELECT
			node_id
		  , name
		  , capsule_type
		  , status
		  , output
		  , output_artifacts
		  , logs
		  , error_message
		  , backing_job_id
		  , status_since
		  , started_at
		  , completed_at
		  , duration_ms
		FROM node_executions
		WHERE execution_id = $1
		ORDER BY position ASC
	`

	rows, err := r.db.QueryContext(ctx, query, execution.ID)
	if err != nil {
		return fmt.Errorf("failed to query node executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		node := &models.NodeExecution{}

		var outputJSON, artifactsJSON []byte

		err := rows.Scan(
			&node.NodeID,
			&node.Name,
			&node.Type,
			&node.Status,
			&outputJSON,
			&artifactsJSON,
			&node.Logs,
			&node.ErrorMessage,
			&node.BackingJobID,
			&node.StatusSince,
			&node.StartedAt,
			&node.CompletedAt,
			&node.DurationMs,
		)
		if err != nil {
			return fmt.Errorf("failed to scan node execution: %w", err)
		}

		if len(outputJSON) > 0 {
			if err := json.Unmarshal(outputJSON, &node.Output); err != nil {
				return fmt.Errorf("failed to unmarshal node output: %w", err)
			}
		}

		if len(artifactsJSON) > 0 {
			if err := json.Unmarshal(artifactsJSON, &node.OutputArtifacts); err != nil {
				return fmt.Errorf("failed to unmarshal node artifacts: %w", err)
			}
		}

		execution.NodeExecutions = append(execution.NodeExecutions, node)
	}

	err = rows.Err()
	if err != nil {
		return fmt.Errorf("error iterating node executions: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*models.ExecutionInstance, error) {
	execution := &models.ExecutionInstance{}

	var nodesJSON, edgesJSON, variablesJSON []byte

	err := row.Scan(
		&execution.ID,
		&execution.DefinitionID,
		&execution.RunKind,
		&execution.Status,
		&nodesJSON,
		&edgesJSON,
		&variablesJSON,
		&execution.TriggeredBy,
		&execution.Owner,
		&execution.IdempotencyKey,
		&execution.ErrorMessage,
		&execution.CreatedAt,
		&execution.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(nodesJSON, &execution.Nodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal nodes snapshot: %w", err)
	}

	if err := json.Unmarshal(edgesJSON, &execution.Edges); err != nil {
		return nil, fmt.Errorf("failed to unmarshal edges snapshot: %w", err)
	}

	if err := json.Unmarshal(variablesJSON, &execution.Variables); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
	}

	return execution, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}

	return false
}

func statusStrings(statuses []models.ExecutionStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}

	return out
}

func nodeStatusStrings(statuses []models.NodeStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}

	return out
}
