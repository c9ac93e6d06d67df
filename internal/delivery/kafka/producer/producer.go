package producer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	kafka "github.com/vogiaan1904/actpresence/internal/delivery/kafka"
	"github.com/vogiaan1904/actpresence/pkg/logger"
)

type Producer interface {
	PublishActCommitted(ctx context.Context, event kafka.ActCommittedEvent) error
	Close() error
}

type implProducer struct {
	l     logger.Logger
	prod  sarama.SyncProducer
	topic string
}

func NewProducer(prod sarama.SyncProducer, l logger.Logger, topic string) Producer {
	if topic == "" {
		topic = kafka.TopicActCommitted
	}
	return &implProducer{
		l:     l,
		prod:  prod,
		topic: topic,
	}
}

func (p *implProducer) PublishActCommitted(ctx context.Context, event kafka.ActCommittedEvent) error {
	event.Timestamp = time.Now().UTC()
	val, err := json.Marshal(event)
	if err != nil {
		p.l.Errorf(ctx, "delivery.kafka.producer.producer.PublishActCommitted: %v", err)
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.ActID), // Partition by act_id for ordering
		Value: sarama.ByteEncoder(val),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte(kafka.HeaderTimestamp),
				Value: []byte(event.Timestamp.Format(time.RFC3339)),
			},
			{
				Key:   []byte(kafka.HeaderCommittedBy),
				Value: []byte(event.CommittedBy),
			},
		},
	}

	if _, _, err = p.prod.SendMessage(msg); err != nil {
		p.l.Errorf(ctx, "delivery.kafka.producer.producer.PublishActCommitted: %v", err)
		return err
	}

	return nil
}

func (p *implProducer) Close() error {
	if err := p.prod.Close(); err != nil {
		return err
	}

	return nil
}
