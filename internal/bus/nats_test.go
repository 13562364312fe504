package bus

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/achscore/internal/domain"
)

func TestSubjectFor(t *testing.T) {
	tests := []struct {
		name     string
		tenantID string
		topic    string
		want     string
		wantErr  error
	}{
		{"batch", "acme", domain.TopicBatchSubmitted, "achscore.acme.batch.submitted", nil},
		{"alert", "acme", domain.TopicAlert, "achscore.acme.alert", nil},
		{"all tenants", domain.AllTenants, domain.TopicRunCompleted, "achscore.*.run.completed", nil},
		{"plain topic", "acme", "test.topic", "achscore.acme.test.topic", nil},
		{"dotted tenant", "acme.eu", domain.TopicAlert, "", ErrInvalidTenant},
		{"full wildcard", ">", domain.TopicAlert, "", ErrInvalidTenant},
		{"embedded wildcard", "ac*me", domain.TopicAlert, "", ErrInvalidTenant},
		{"space", "ac me", domain.TopicAlert, "", ErrInvalidTenant},
		{"empty tenant", "", domain.TopicAlert, "", ErrInvalidTenant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := subjectFor(tt.tenantID, tt.topic)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected subject %s, got %s", tt.want, got)
			}
			if tt.tenantID != domain.AllTenants && tenantFromSubject(got) != tt.tenantID {
				t.Errorf("expected tenant %s back from %s, got %s", tt.tenantID, got, tenantFromSubject(got))
			}
		})
	}

	if _, err := subjectFor("acme", "achscore."); err == nil {
		t.Error("expected error for empty topic")
	}
}

func TestTenantFromSubject(t *testing.T) {
	tests := map[string]string{
		"achscore.acme.batch.submitted": "acme",
		"achscore.acme":                 "",
		"other.acme.alert":              "",
		"":                              "",
	}
	for subject, want := range tests {
		if got := tenantFromSubject(subject); got != want {
			t.Errorf("tenantFromSubject(%q): expected %q, got %q", subject, want, got)
		}
	}
}

func TestQueueFor(t *testing.T) {
	if got := queueFor(domain.TopicBatchSubmitted, "achscore-workers"); got != "achscore-workers" {
		t.Errorf("expected batches to use the queue group, got %q", got)
	}
	for _, topic := range []string{domain.TopicRunCompleted, domain.TopicRunFailed, domain.TopicAlert} {
		if got := queueFor(topic, "achscore-workers"); got != "" {
			t.Errorf("expected %s to fan out, got queue %q", topic, got)
		}
	}
}

func TestNATSEnvelope(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		sent := newEnvelope("acme", domain.TopicAlert, []byte(`{"rule":"x"}`))
		m, err := encodeEnvelope(sent)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if m.Subject != "achscore.acme.alert" {
			t.Errorf("unexpected subject %s", m.Subject)
		}
		if m.Header.Get(headerMessageID) != sent.ID {
			t.Errorf("expected dedupe header %s, got %s", sent.ID, m.Header.Get(headerMessageID))
		}
		if m.Header.Get(headerTenant) != "acme" {
			t.Errorf("expected tenant header acme, got %s", m.Header.Get(headerTenant))
		}

		got, err := decodeEnvelope(m)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if got.ID != sent.ID || got.TenantID != "acme" || got.Topic != domain.TopicAlert {
			t.Errorf("envelope changed in transit: %+v", got)
		}
		if string(got.Payload) != `{"rule":"x"}` {
			t.Errorf("unexpected payload %s", got.Payload)
		}
	})

	t.Run("TenantMismatch", func(t *testing.T) {
		data, _ := json.Marshal(newEnvelope("globex", domain.TopicAlert, nil))
		m := &nats.Msg{Subject: "achscore.acme.alert", Data: data}
		if _, err := decodeEnvelope(m); err == nil {
			t.Error("expected envelope for another tenant to be rejected")
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		m := &nats.Msg{Subject: "achscore.acme.alert", Data: []byte("not json")}
		if _, err := decodeEnvelope(m); err == nil {
			t.Error("expected malformed envelope to be rejected")
		}
	})

	t.Run("WildcardTenant", func(t *testing.T) {
		if _, err := encodeEnvelope(newEnvelope("acme.eu", domain.TopicAlert, nil)); !errors.Is(err, ErrInvalidTenant) {
			t.Errorf("expected ErrInvalidTenant, got %v", err)
		}
	})
}

func TestNATSDefaults(t *testing.T) {
	cfg := natsDefaults(domain.EventBusConfig{Type: "nats", NATSReconnectWait: -1})
	if cfg.NATSUrl != nats.DefaultURL {
		t.Errorf("expected default URL, got %s", cfg.NATSUrl)
	}
	if cfg.NATSMaxReconnects != 10 || cfg.NATSReconnectWait != 5 {
		t.Errorf("unexpected reconnect defaults: %d attempts, %ds wait", cfg.NATSMaxReconnects, cfg.NATSReconnectWait)
	}

	kept := natsDefaults(domain.EventBusConfig{NATSUrl: "nats://bus:4222", NATSMaxReconnects: 3, NATSReconnectWait: 1})
	if kept.NATSUrl != "nats://bus:4222" || kept.NATSMaxReconnects != 3 || kept.NATSReconnectWait != 1 {
		t.Errorf("expected explicit settings to be kept, got %+v", kept)
	}

	if n := len(natsOptions(domain.EventBusConfig{NATSToken: "secret"})); n != len(natsOptions(domain.EventBusConfig{}))+1 {
		t.Errorf("expected token to add an option, got %d options", n)
	}
}
