// Package publisher fans committed audit entries out to Kafka for
// downstream consumers (SIEM, reporting). The transactional audit_log row
// remains the source of truth; publishing is post-commit and best-effort.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"chronicle/internal/audit"
)

// Producer is the subset of the Kafka client the publisher needs; tests
// substitute a fake.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Publisher serializes audit entries and produces them to a single topic,
// keyed by entity uid so per-entity ordering is preserved.
type Publisher struct {
	producer Producer
	topic    string
}

func New(producer Producer, topic string) *Publisher {
	return &Publisher{producer: producer, topic: topic}
}

// Connect builds a Kafka client and makes sure the audit topic exists.
func Connect(ctx context.Context, brokers []string, topic string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	admin := kadm.NewClient(client)
	resp, err := admin.CreateTopics(ctx, 1, 1, nil, topic)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure audit topic: %w", err)
	}
	for _, res := range resp {
		if res.Err != nil && !errors.Is(res.Err, kerr.TopicAlreadyExists) {
			client.Close()
			return nil, fmt.Errorf("create audit topic %q: %w", res.Topic, res.Err)
		}
	}
	return client, nil
}

// payload is the wire shape published to Kafka.
type payload struct {
	AuditID    string            `json:"audit_id"`
	Actor      string            `json:"actor"`
	Timestamp  string            `json:"timestamp"`
	EntityUID  string            `json:"entity_uid"`
	Table      string            `json:"table_name"`
	Operation  string            `json:"operation"`
	DetailCode string            `json:"detail_code,omitempty"`
	Before     map[string]string `json:"before_value,omitempty"`
	After      map[string]string `json:"after_value,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
}

// Publish produces one audit entry synchronously.
func (p *Publisher) Publish(ctx context.Context, entry audit.Entry) error {
	body, err := json.Marshal(payload{
		AuditID:    entry.AuditID.String(),
		Actor:      entry.Actor,
		Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
		EntityUID:  entry.EntityUID.String(),
		Table:      string(entry.Table),
		Operation:  string(entry.Operation),
		DetailCode: entry.DetailCode,
		Before:     entry.Before,
		After:      entry.After,
		RequestID:  entry.RequestID,
	})
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(entry.EntityUID.String()),
		Value: body,
	}
	if err := p.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit record: %w", err)
	}
	return nil
}
