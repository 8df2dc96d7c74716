package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/caprun-io/caprun/pkg/models"
)

const appendRetries = 5

// EventRepository handles the append-only per-run event log.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *sql.DB, logger *slog.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger}
}

// Append assigns the next seq for the run. The compound primary key makes
// the INSERT ... MAX(seq)+1 race detectable: a concurrent writer hits a
// unique violation and retries with a fresh read.
func (r *EventRepository) Append(ctx context.Context, kind models.RunKind, runID, eventName string, payload map[string]any) (int64, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	query := `
		INSERT INTO execution_events (run_kind, run_id, seq, event_name, payload, created_at)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5
		FROM execution_events
		WHERE run_kind = $1 AND run_id = $2
		RETURNING seq
	`

	var lastErr error

	for attempt := 0; attempt < appendRetries; attempt++ {
		var seq int64

		err := r.db.QueryRowContext(ctx, query, kind, runID, eventName, payloadJSON, time.Now().UTC()).Scan(&seq)
		if err == nil {
			return seq, nil
		}

		if !isUniqueViolation(err) {
			return 0, fmt.Errorf("failed to append event: %w", err)
		}

		lastErr = err
	}

	return 0, fmt.Errorf("failed to append event after %d attempts: %w", appendRetries, lastErr)
}

// GetEvents returns events with seq > afterSeq in ascending order.
func (r *EventRepository) GetEvents(ctx context.Context, kind models.RunKind, runID string, afterSeq int64, limit int) ([]*models.ExecutionEvent, error) {
	query := `
		SELECT run_kind, run_id, seq, event_name, payload, created_at
		FROM execution_events
		WHERE run_kind = $1 AND run_id = $2 AND seq > $3
		ORDER BY seq ASC
		LIMIT CASE WHEN $4 > 0 THEN $4 ELSE NULL END
	`

	rows, err := r.db.QueryContext(ctx, query, kind, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var events []*models.ExecutionEvent

	for rows.Next() {
		event := &models.ExecutionEvent{}

		var payloadJSON []byte

		err := rows.Scan(&event.RunKind, &event.RunID, &event.Seq, &event.EventName, &payloadJSON, &event.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &event.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
			}
		}

		events = append(events, event)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}
