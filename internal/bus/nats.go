package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/achscore/internal/domain"
)

// Subjects are laid out as achscore.<tenant>.<topic>, so the tenant is always
// the second token and AllTenants ("*") matches exactly that token.
const subjectRoot = "achscore"

const (
	headerMessageID = "Nats-Msg-Id"
	headerTenant    = "Achscore-Tenant"
)

// ErrInvalidTenant is returned for tenant IDs that cannot form a single
// subject token.
var ErrInvalidTenant = errors.New("tenant ID is not a valid subject token")

// NATSBus implements EventBus using NATS. Submitted batches are delivered to
// one member of the configured queue group; every other topic fans out to
// all subscribers.
type NATSBus struct {
	mu            sync.Mutex
	conn          *nats.Conn
	queueGroup    string
	subscriptions map[string]*natsSubscription
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to NATS, retrying up to NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	cfg = natsDefaults(cfg)
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	var conn *nats.Conn
	var err error
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		conn, err = nats.Connect(cfg.NATSUrl, natsOptions(cfg)...)
		if err == nil {
			break
		}
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		if attempt < cfg.NATSMaxReconnects {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", cfg.NATSMaxReconnects, err)
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"queue_group", cfg.NATSQueueGroup,
	)

	return &NATSBus{
		conn:          conn,
		queueGroup:    cfg.NATSQueueGroup,
		subscriptions: make(map[string]*natsSubscription),
	}, nil
}

func natsDefaults(cfg domain.EventBusConfig) domain.EventBusConfig {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}
	return cfg
}

func natsOptions(cfg domain.EventBusConfig) []nats.Option {
	opts := []nats.Option{
		nats.Name("achscore"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		// Batches can be large; buffer them while reconnecting.
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS error", "error", err, "subject", subject)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// Publish sends an envelope to the tenant's subject for topic. The envelope ID
// doubles as the JetStream dedupe key.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if err := checkPublishTenant(tenantID); err != nil {
		return err
	}
	m, err := encodeEnvelope(newEnvelope(tenantID, topic, payload))
	if err != nil {
		return err
	}
	return b.conn.PublishMsg(m)
}

// Subscribe registers a handler for topic. AllTenants subscribes to the
// subject wildcard over the tenant token. Messages whose envelope names a
// different tenant than their subject are dropped.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	subject, err := subjectFor(tenantID, topic)
	if err != nil {
		return nil, err
	}
	queue := queueFor(topic, b.queueGroup)

	cb := func(m *nats.Msg) {
		msg, err := decodeEnvelope(m)
		if err != nil {
			slog.Error("dropping NATS message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error",
				"subject", m.Subject,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	var ns *nats.Subscription
	if queue != "" {
		ns, err = b.conn.QueueSubscribe(subject, queue, cb)
	} else {
		ns, err = b.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	sub := &natsSubscription{id: uuid.New().String(), topic: topic, sub: ns}
	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	slog.Debug("NATS subscribed", "subject", subject, "queue", queue)
	return sub, nil
}

// Request publishes an envelope and waits for the responder's envelope.
// Without a context deadline the request times out after 30 seconds.
func (b *NATSBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if err := checkPublishTenant(tenantID); err != nil {
		return nil, err
	}
	m, err := encodeEnvelope(newEnvelope(tenantID, topic, payload))
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	reply, err := b.conn.RequestMsgWithContext(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("request on %s failed: %w", m.Subject, err)
	}

	var env domain.Message
	if err := json.Unmarshal(reply.Data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	return env.Payload, nil
}

// Ping checks NATS connectivity.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains subscriptions so in-flight batches finish, then closes the
// connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subscriptions = make(map[string]*natsSubscription)
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// subjectFor maps a tenant and topic to a subject. Topics already carry the
// achscore prefix, which is not repeated.
func subjectFor(tenantID, topic string) (string, error) {
	if tenantID != domain.AllTenants && !validToken(tenantID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	topic = strings.TrimPrefix(topic, subjectRoot+".")
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	return subjectRoot + "." + tenantID + "." + topic, nil
}

func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}

// tenantFromSubject returns the tenant token of a subject built by subjectFor.
func tenantFromSubject(subject string) string {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) < 3 || parts[0] != subjectRoot {
		return ""
	}
	return parts[1]
}

// queueFor returns the queue group for topic. Only batch submissions are
// work items; results and alerts go to every subscriber.
func queueFor(topic, group string) string {
	if topic == domain.TopicBatchSubmitted {
		return group
	}
	return ""
}

func encodeEnvelope(msg *domain.Message) (*nats.Msg, error) {
	subject, err := subjectFor(msg.TenantID, msg.Topic)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", msg.Topic, err)
	}

	m := nats.NewMsg(subject)
	m.Data = data
	m.Header.Set(headerMessageID, msg.ID)
	m.Header.Set(headerTenant, msg.TenantID)
	return m, nil
}

func decodeEnvelope(m *nats.Msg) (*domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if tenant := tenantFromSubject(m.Subject); msg.TenantID != tenant {
		return nil, fmt.Errorf("envelope tenant %q does not match subject tenant %q", msg.TenantID, tenant)
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	return &msg, nil
}

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
