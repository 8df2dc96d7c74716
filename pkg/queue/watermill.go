package queue

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/caprun-io/caprun/pkg/events"
	"github.com/caprun-io/caprun/pkg/models"
)

// WatermillQueue carries queued runs over a watermill pub/sub (kafka in
// production, gochannel in tests and local development).
type WatermillQueue struct {
	publisher  message.Publisher
	subscriber message.Subscriber
}

func NewWatermillQueue(pub message.Publisher, sub message.Subscriber) *WatermillQueue {
	return &WatermillQueue{publisher: pub, subscriber: sub}
}

func (q *WatermillQueue) Enqueue(ctx context.Context, kind models.RunKind, runID string) error {
	payload, err := json.Marshal(QueuedRun{RunKind: kind, RunID: runID})
	if err != nil {
		return err
	}

	msg := message.NewMessage("run-"+watermill.NewULID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, string(kind)+":"+runID)

	return q.publisher.Publish(events.RunQueueTopic, msg)
}

// Consume delivers queued runs to the handler until ctx is cancelled.
// A handler error nacks the message for redelivery.
func (q *WatermillQueue) Consume(ctx context.Context, handler func(ctx context.Context, run QueuedRun) error) error {
	messages, err := q.subscriber.Subscribe(ctx, events.RunQueueTopic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			var run QueuedRun

			if err := json.Unmarshal(msg.Payload, &run); err != nil {
				msg.Nack()

				continue
			}

			if err := handler(ctx, run); err != nil {
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

func (q *WatermillQueue) Close() error {
	if err := q.publisher.Close(); err != nil {
		return err
	}

	if q.subscriber != nil {
		return q.subscriber.Close()
	}

	return nil
}
