package outbox

import (
	"context"
	"time"

	"github.com/freelancesl/escrow-pay/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultBatchSize = 100

// Source is the outbox table as seen by the relay.
type Source interface {
	PendingOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) error
}

// Relay moves committed outbox rows to the broker. Delivery is at least once:
// a crash between Publish and MarkPublished republishes the row, so
// consumers dedupe on transaction id and kind.
type Relay struct {
	source    Source
	publisher Publisher
	batch     int
	log       logrus.FieldLogger
}

func NewRelay(source Source, publisher Publisher, log logrus.FieldLogger) *Relay {
	return &Relay{source: source, publisher: publisher, batch: defaultBatchSize, log: log}
}

// PublishPending publishes one batch and reports how many messages went out.
// A message that fails stays pending and is retried on the next call.
func (r *Relay) PublishPending(ctx context.Context) (int, error) {
	msgs, err := r.source.PendingOutbox(ctx, r.batch)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}

		log := r.log.WithFields(logrus.Fields{"outbox_id": msg.ID, "topic": msg.Topic, "attempts": msg.Attempts})
		if err := r.publisher.Publish(msg.Topic, msg.Payload); err != nil {
			log.WithError(err).Warn("outbox publish failed")
			if markErr := r.source.MarkFailed(ctx, msg.ID, err); markErr != nil {
				log.WithError(markErr).Error("failed to record outbox failure")
			}
			continue
		}

		if err := r.source.MarkPublished(ctx, msg.ID, time.Now().UTC()); err != nil {
			log.WithError(err).Error("failed to mark outbox message published")
			continue
		}
		published++
	}
	return published, nil
}
