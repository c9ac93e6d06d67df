package service

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/vogiaan1904/actpresence/internal/delivery/kafka"
	"github.com/vogiaan1904/actpresence/internal/delivery/kafka/producer"
	"github.com/vogiaan1904/actpresence/internal/models"
	"github.com/vogiaan1904/actpresence/internal/presence"
	"github.com/vogiaan1904/actpresence/pkg/logger"
)

// ChangeBroadcaster tells other viewers of a resource that it was committed.
type ChangeBroadcaster interface {
	Publish(ctx context.Context, ch presence.Channel, ev models.CommittedEvent) error
}

type changeBroadcaster struct {
	prod producer.Producer
	l    logger.Logger
}

// NewChangeBroadcaster returns a broadcaster that sends on the presence
// channel and, when prod is not nil, mirrors the event to Kafka.
func NewChangeBroadcaster(prod producer.Producer, l logger.Logger) ChangeBroadcaster {
	return &changeBroadcaster{
		prod: prod,
		l:    l,
	}
}

func (b *changeBroadcaster) Publish(ctx context.Context, ch presence.Channel, ev models.CommittedEvent) error {
	payload, err := EncodeCommitted(ev)
	if err != nil {
		return err
	}

	if err := ch.Broadcast(ctx, models.EventCommitted, payload); err != nil {
		b.l.Errorf(ctx, "service.changeBroadcaster.Publish: %v", err)
		return err
	}

	if b.prod != nil {
		if err := b.prod.PublishActCommitted(ctx, kafka.ActCommittedEvent{
			ActID:       string(ev.ResourceID),
			CommittedBy: ev.CommittedBy,
			CommittedAt: ev.CommittedAt,
		}); err != nil {
			// The channel broadcast already reached live viewers.
			b.l.Warnf(ctx, "service.changeBroadcaster.Publish: kafka mirror: %v", err)
		}
	}

	return nil
}

func EncodeCommitted(ev models.CommittedEvent) ([]byte, error) {
	if ev.ResourceID == "" {
		return nil, ErrInvalidCommitEvent
	}
	return json.Marshal(ev)
}

// DecodeCommitted parses a committed payload received for resourceID. Only the
// resource id is validated; the other fields are informational.
func DecodeCommitted(resourceID models.ResourceID, payload []byte) (models.CommittedEvent, error) {
	var ev models.CommittedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrInvalidCommitEvent, err)
	}
	if ev.ResourceID == "" {
		return ev, ErrInvalidCommitEvent
	}
	if ev.ResourceID != resourceID {
		return ev, ErrForeignResource
	}
	return ev, nil
}
