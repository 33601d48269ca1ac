package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds Kafka publisher configuration
type KafkaConfig struct {
	Brokers      []string `yaml:"brokers"`
	BatchSize    int      `yaml:"batch_size"`
	LingerMs     int      `yaml:"linger_ms"`
	WriteTimeout int      `yaml:"write_timeout_ms"`
}

// DefaultKafkaConfig returns sensible defaults
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    100,
		LingerMs:     10,
		WriteTimeout: 5000,
	}
}

// KafkaPublisher emits events to Kafka topics through a shared writer
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for the given brokers
func NewKafkaPublisher(config KafkaConfig) *KafkaPublisher {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5000
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    config.BatchSize,
		BatchTimeout: time.Duration(config.LingerMs) * time.Millisecond,
		WriteTimeout: time.Duration(config.WriteTimeout) * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}

	return &KafkaPublisher{writer: writer}
}

// Publish sends one event, keyed by agent id so per-agent ordering is
// preserved within a topic partition.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(event.AgentID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close shuts down the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
