package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/segmentio/kafka-go"
)

// AlertRecord is the Kafka message value for one alert.
type AlertRecord struct {
	RunID         string `json:"run_id"`
	TenantID      string `json:"tenant_id"`
	TransactionID string `json:"transaction_id"`
	RuleName      string `json:"rule_name"`
}

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes alert trails to a Kafka topic, one message per alert,
// keyed by transaction_id so a transaction's alerts share a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a sink writing to cfg.Topic on cfg.Brokers.
func NewKafkaSink(cfg domain.KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaSink{writer: w, topic: cfg.Topic}, nil
}

// SendAlerts writes every alert of a run. An empty trail is a no-op.
func (k *KafkaSink) SendAlerts(ctx context.Context, tenantID string, runID string, alerts []domain.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(alerts))
	for _, a := range alerts {
		payload, err := json.Marshal(AlertRecord{
			RunID:         runID,
			TenantID:      tenantID,
			TransactionID: a.TransactionID,
			RuleName:      a.RuleName,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal alert %s/%s: %w", a.TransactionID, a.RuleName, err)
		}

		msgs = append(msgs, kafka.Message{
			Key:   []byte(a.TransactionID),
			Value: payload,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(domain.TopicAlert)},
				{Key: "tenant_id", Value: []byte(tenantID)},
				{Key: "run_id", Value: []byte(runID)},
			},
		})
	}

	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish alerts to topic %s: %w", k.topic, err)
	}

	slog.Debug("alerts exported",
		"topic", k.topic,
		"run_id", runID,
		"alerts", len(msgs),
	)
	return nil
}

// Close flushes pending writes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
