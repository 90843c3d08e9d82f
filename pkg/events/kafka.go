package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// MutationRecord is emitted after an execute-phase write commits, so
// downstream consumers (reporting, reconciliation) see every applied change.
type MutationRecord struct {
	Action         string    `json:"action"`
	EntityType     string    `json:"entityType"`
	EntityID       string    `json:"entityId"`
	PreviousStatus string    `json:"previousStatus"`
	NewStatus      string    `json:"newStatus,omitempty"`
	Deleted        bool      `json:"deleted,omitempty"`
	ActorID        string    `json:"actorId"`
	ConfirmationID string    `json:"confirmationId"`
	AppliedAt      time.Time `json:"appliedAt"`
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (cfg KafkaConfig) brokers() ([]string, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	return brokers, nil
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes mutation records to Kafka, keyed by entity id so one
// entity's history stays ordered within a partition.
type Publisher struct {
	writer kafkaWriter
}

func NewPublisher(cfg KafkaConfig) (*Publisher, error) {
	brokers, err := cfg.brokers()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &Publisher{writer: w}, nil
}

func (p *Publisher) Publish(ctx context.Context, rec MutationRecord) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka publisher not initialized")
	}
	if rec.AppliedAt.IsZero() {
		rec.AppliedAt = time.Now().UTC()
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.EntityType + ":" + rec.EntityID),
		Value: value,
	})
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer reads mutation records back, for reconciliation jobs.
type Consumer struct {
	reader kafkaReader
}

func NewConsumer(cfg KafkaConfig) (*Consumer, error) {
	brokers, err := cfg.brokers()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &Consumer{reader: r}, nil
}

func (c *Consumer) Read(ctx context.Context) (MutationRecord, error) {
	if c == nil || c.reader == nil {
		return MutationRecord{}, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return MutationRecord{}, err
	}
	var rec MutationRecord
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		return MutationRecord{}, fmt.Errorf("decode mutation record: %w", err)
	}
	return rec, nil
}

func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
