package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/loid345/eventrelay/internal/event"
)

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration // default 50ms
	WriteTimeout time.Duration // default 5s
}

// KafkaTransport publishes envelopes to a Kafka topic, keyed by tenant so
// per-tenant consumers read their events in partition order.
type KafkaTransport struct {
	w *kafka.Writer
}

func NewKafkaTransport(c KafkaConfig) *KafkaTransport {
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 50 * time.Millisecond
	}
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 5 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Topic:        c.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: bt,
		WriteTimeout: wt,
		RequiredAcks: kafka.RequireAll,
	}

	return &KafkaTransport{w: w}
}

func (t *KafkaTransport) Publish(ctx context.Context, env *event.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("kafka marshal envelope %s: %w", env.ID, err)
	}

	msg := kafka.Message{
		Key:   []byte(env.TenantID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.EventType())},
			{Key: "schema_version", Value: []byte(strconv.Itoa(env.SchemaVersion))},
		},
	}

	if err := t.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", env.EventType(), err)
	}
	return nil
}

func (t *KafkaTransport) Reliability() Reliability { return ReliabilityOutbox }

func (t *KafkaTransport) Close() error { return t.w.Close() }
