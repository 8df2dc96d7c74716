package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/caprun-io/caprun/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChannelQueue(t *testing.T) *WatermillQueue {
	t.Helper()

	channel := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	queue := NewWatermillQueue(channel, channel)

	t.Cleanup(func() {
		_ = queue.Close()
	})

	return queue
}

func TestWatermillQueue_RoundTrip(t *testing.T) {
	queue := newChannelQueue(t)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	received := make(chan QueuedRun, 1)
	err := queue.Consume(ctx, func(_ context.Context, run QueuedRun) error {
		received <- run

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, queue.Enqueue(ctx, models.RunKindWorkflow, "run-1"))

	select {
	case run := <-received:
		assert.Equal(t, models.RunKindWorkflow, run.RunKind)
		assert.Equal(t, "run-1", run.RunID)
	case <-time.After(5 * time.Second):
		t.Fatal("queued run was not delivered")
	}
}

func TestWatermillQueue_HandlerErrorTriggersRedelivery(t *testing.T) {
	queue := newChannelQueue(t)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	deliveries := make(chan QueuedRun, 2)
	attempts := 0
	err := queue.Consume(ctx, func(_ context.Context, run QueuedRun) error {
		attempts++
		deliveries <- run

		if attempts == 1 {
			return errors.New("transient failure")
		}

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, queue.Enqueue(ctx, models.RunKindImage, "run-2"))

	for range 2 {
		select {
		case run := <-deliveries:
			assert.Equal(t, "run-2", run.RunID)
		case <-time.After(5 * time.Second):
			t.Fatal("expected the nacked run to be redelivered")
		}
	}
}
