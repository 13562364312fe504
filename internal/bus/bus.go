package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/achscore/internal/domain"
)

// ErrWildcardPublish is returned when publishing to domain.AllTenants.
var ErrWildcardPublish = errors.New("cannot publish to all tenants")

// New creates a new event bus based on configuration.
// "channel" keeps events in process; "nats" distributes them across nodes.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// PublishJSON marshals v and publishes it to topic.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// Decode unmarshals a message payload into v.
func Decode(msg *domain.Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s message %s: %w", msg.Topic, msg.ID, err)
	}
	return nil
}

func newEnvelope(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}

func checkPublishTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	if tenantID == domain.AllTenants {
		return ErrWildcardPublish
	}
	return nil
}
