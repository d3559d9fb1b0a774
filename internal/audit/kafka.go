package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/andresmejia3/checkpoint/internal/types"
)

// Producer is the part of *kgo.Client the Kafka sink needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaSink publishes each event as JSON, keyed by ticket reference so all
// events for a ticket land on the same partition.
type KafkaSink struct {
	producer Producer
	topic    string
	timeout  time.Duration
}

// NewKafkaSink dials the brokers lazily; franz-go connects on first produce.
func NewKafkaSink(brokers []string, topic, clientID string) (*KafkaSink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchMaxBytes(1<<20),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return NewKafkaSinkWithProducer(client, topic), nil
}

func NewKafkaSinkWithProducer(p Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic, timeout: 5 * time.Second}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Record(ctx context.Context, e types.AuditEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := e.TicketRef
	if key == "" {
		key = e.PersonRef
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec := &kgo.Record{
		Topic:     s.topic,
		Key:       []byte(key),
		Value:     value,
		Timestamp: e.Timestamp,
		Headers:   []kgo.RecordHeader{{Key: "event_type", Value: []byte(e.EventType)}},
	}
	return s.producer.ProduceSync(ctx, rec).FirstErr()
}

// Close flushes and closes the underlying client.
func (s *KafkaSink) Close() {
	s.producer.Close()
}
