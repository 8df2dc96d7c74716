package file

import (
	"context"
	"time"

	"github.com/caprun-io/caprun/pkg/models"
)

// EventRepository stores one JSON document per run holding the ordered
// event list. The shared mutex makes seq assignment linearizable.
type EventRepository struct {
	persistence *Persistence
}

func eventsDoc(kind models.RunKind, runID string) string {
	return "events-" + string(kind) + "-" + runID + ".json"
}

func (r *EventRepository) Append(ctx context.Context, kind models.RunKind, runID, eventName string, payload map[string]any) (int64, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	var log []*models.ExecutionEvent

	if _, err := r.persistence.read(eventsDoc(kind, runID), &log); err != nil {
		return 0, err
	}

	var seq int64 = 1
	if len(log) > 0 {
		seq = log[len(log)-1].Seq + 1
	}

	log = append(log, &models.ExecutionEvent{
		RunKind:   kind,
		RunID:     runID,
		Seq:       seq,
		EventName: eventName,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})

	if err := r.persistence.write(eventsDoc(kind, runID), log); err != nil {
		return 0, err
	}

	return seq, nil
}

func (r *EventRepository) GetEvents(ctx context.Context, kind models.RunKind, runID string, afterSeq int64, limit int) ([]*models.ExecutionEvent, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	var log []*models.ExecutionEvent

	if _, err := r.persistence.read(eventsDoc(kind, runID), &log); err != nil {
		return nil, err
	}

	var matched []*models.ExecutionEvent

	for _, event := range log {
		if event.Seq > afterSeq {
			matched = append(matched, event)

			if limit > 0 && len(matched) >= limit {
				break
			}
		}
	}

	return matched, nil
}
