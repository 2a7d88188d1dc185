package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentoven/newswire/pkg/models"
	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes audit events to a Kafka topic keyed by resource id,
// so events for one subscription land on one partition in order.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka audit sink requires at least one broker")
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
		},
	}, nil
}

func (k *KafkaSink) Publish(ctx context.Context, ev models.AuditEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	key := ev.ResourceID
	if key == "" {
		key = ev.Resource
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  ev.Timestamp,
	})
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
