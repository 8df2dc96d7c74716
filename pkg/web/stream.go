package web

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/caprun-io/caprun/pkg/events"
	"github.com/caprun-io/caprun/pkg/models"
	"github.com/gofiber/fiber/v3"
)

const (
	streamPollInterval  = 500 * time.Millisecond
	streamKeepalive     = 15 * time.Second
	streamBatchSize     = 100
	streamQueryDeadline = 5 * time.Second
)

// StreamExecution tails the execution's event log as Server-Sent Events.
// Frame ids carry the event seq so clients resume with Last-Event-ID or
// ?afterSeq=N. The stream closes after a terminal event. A client
// disconnect only stops the writes; the run itself is unaffected.
func (h *APIHandlers) StreamExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.orchestrator.GetExecution(c.Context(), caller(c), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	afterSeq, err := resumeCursor(c)
	if err != nil {
		return badRequest(c, "Invalid afterSeq cursor")
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	kind := execution.RunKind

	// The writer runs detached from the request handler. The request ctx
	// stops the poll loop when the connection goes away, and event reads
	// use their own deadline so a slow store cannot pin the connection.
	reqCtx := c.RequestCtx()
	reqCtx.SetBodyStreamWriter(func(w *bufio.Writer) {
		h.streamEvents(reqCtx, w, kind, id, afterSeq)
	})

	return nil
}

func resumeCursor(c fiber.Ctx) (int64, error) {
	cursor := c.Query("afterSeq")
	if cursor == "" {
		cursor = c.Get("Last-Event-ID")
	}

	if cursor == "" {
		return 0, nil
	}

	return strconv.ParseInt(cursor, 10, 64)
}

func (h *APIHandlers) streamEvents(ctx context.Context, w *bufio.Writer, kind models.RunKind, id string, afterSeq int64) {
	lastWrite := time.Now()

	for {
		batch, err := h.readEvents(ctx, kind, id, afterSeq)
		if err != nil {
			return
		}

		for _, event := range batch {
			if writeFrame(w, event) != nil {
				return
			}

			afterSeq = event.Seq
			lastWrite = time.Now()

			if events.IsTerminalLogEvent(event.EventName) {
				_ = w.Flush()

				return
			}
		}

		if len(batch) > 0 {
			if w.Flush() != nil {
				return
			}
		} else if time.Since(lastWrite) > streamKeepalive {
			// A client resuming past the terminal event would otherwise
			// hang on an empty log forever.
			if h.runFinished(ctx, id) {
				_ = w.Flush()

				return
			}

			// Comment frame so proxies and clients keep the connection open.
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}

			if w.Flush() != nil {
				return
			}

			lastWrite = time.Now()
		}

		select {
		case <-ctx.Done():
			// Connection gone. Do not keep polling on its behalf.
			return
		case <-time.After(streamPollInterval):
		}
	}
}

func (h *APIHandlers) readEvents(ctx context.Context, kind models.RunKind, id string, afterSeq int64) ([]*models.ExecutionEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, streamQueryDeadline)
	defer cancel()

	return h.persistence.Events().GetEvents(ctx, kind, id, afterSeq, streamBatchSize)
}

func (h *APIHandlers) runFinished(ctx context.Context, id string) bool {
	ctx, cancel := context.WithTimeout(ctx, streamQueryDeadline)
	defer cancel()

	execution, err := h.persistence.Executions().GetByID(ctx, id)
	if err != nil {
		return true
	}

	return execution.Status.IsTerminal()
}

func writeFrame(w *bufio.Writer, event *models.ExecutionEvent) error {
	data, err := json.Marshal(event.Payload)
	if err != nil {
		data = []byte("{}")
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.EventName, data)

	return err
}
