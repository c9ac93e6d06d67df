package consumer

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/vogiaan1904/actpresence/internal/delivery/kafka"
	"github.com/vogiaan1904/actpresence/internal/models"
)

func (c *Consumer) HandleActCommitted(ctx context.Context, message *sarama.ConsumerMessage) error {
	var e kafka.ActCommittedEvent
	if err := json.Unmarshal(message.Value, &e); err != nil {
		c.l.Errorf(ctx, "delivery.kafka.consumer.handlers.HandleActCommitted: %v", err)
		return err
	}

	c.l.Debugf(ctx, "HandleActCommitted consumed act=%s by=%s", e.ActID, e.CommittedBy)

	if err := c.histSvc.Record(ctx, models.CommittedEvent{
		ResourceID:  models.ResourceID(e.ActID),
		CommittedBy: e.CommittedBy,
		CommittedAt: e.CommittedAt,
	}); err != nil {
		c.l.Errorf(ctx, "delivery.kafka.consumer.handlers.HandleActCommitted: %v", err)
		return err
	}

	return nil
}
