package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "achscore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultConfig(), cfg)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
scoring:
  max_workers: 4
  high_risk_threshold: 3
  run_cache_ttl: 2m
rules:
  high_instant_ach:
    enabled: true
    max_account_age_days: 14
    min_amount: "1000.50"
  rapid_returns:
    enabled: false
  shared_device:
    enabled: true
    min_users: 3
  custom:
    - name: foreign_ip
      expression: tx.ip_country != "US"
      enabled: true
export:
  kafka:
    enabled: true
    brokers: ["kafka-1:9092", "kafka-2:9092"]
    topic: ach.alerts
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset keys keep defaults")
	assert.Equal(t, 4, cfg.Scoring.MaxWorkers)
	assert.Equal(t, 3, cfg.Scoring.HighRiskThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Scoring.RunCacheTTL)

	assert.Equal(t, 14, cfg.Rules.HighInstantACH.MaxAccountAgeDays)
	assert.True(t, cfg.Rules.HighInstantACH.MinAmount.Equal(decimal.RequireFromString("1000.50")))
	assert.False(t, cfg.Rules.RapidReturns.Enabled)
	assert.Equal(t, 3, cfg.Rules.SharedDevice.MinUsers)
	require.Len(t, cfg.Rules.Custom, 1)
	assert.Equal(t, "foreign_ip", cfg.Rules.Custom[0].Name)

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Export.Kafka.Brokers)
	assert.Equal(t, "ach.alerts", cfg.Export.Kafka.Topic)
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 7070\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")

	t.Setenv("ACHSCORE_PORT", "8181")
	t.Setenv("ACHSCORE_HIGH_RISK_THRESHOLD", "1")
	t.Setenv("ACHSCORE_DB_DRIVER", "postgres")
	t.Setenv("ACHSCORE_POSTGRES_HOST", "db.internal")
	t.Setenv("ACHSCORE_CACHE_TYPE", "redis")
	t.Setenv("ACHSCORE_REDIS_ADDR", "redis:6379")
	t.Setenv("ACHSCORE_BUS_TYPE", "nats")
	t.Setenv("ACHSCORE_NATS_QUEUE_GROUP", "scorers")
	t.Setenv("ACHSCORE_KAFKA_ENABLED", "true")
	t.Setenv("ACHSCORE_KAFKA_BROKERS", " k1:9092, k2:9092 ,")
	t.Setenv("ACHSCORE_RUN_CACHE_TTL", "30s")
	t.Setenv("ACHSCORE_DEBUG", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port, "environment wins over file")
	assert.Equal(t, 1, cfg.Scoring.HighRiskThreshold)
	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "db.internal", cfg.Repository.PostgresHost)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, "redis:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, "nats", cfg.EventBus.Type)
	assert.Equal(t, "scorers", cfg.EventBus.NATSQueueGroup)
	assert.True(t, cfg.Export.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Export.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Scoring.RunCacheTTL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverrideErrors(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"ACHSCORE_PORT", "eighty"},
		{"ACHSCORE_KAFKA_ENABLED", "maybe"},
		{"ACHSCORE_RUN_CACHE_TTL", "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "server: [port"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Config)
	}{
		{"port", func(c *domain.Config) { c.Server.Port = 0 }},
		{"workers", func(c *domain.Config) { c.Scoring.MaxWorkers = 0 }},
		{"threshold", func(c *domain.Config) { c.Scoring.HighRiskThreshold = 0 }},
		{"driver", func(c *domain.Config) { c.Repository.Driver = "mysql" }},
		{"cache", func(c *domain.Config) { c.Cache.Type = "memcached" }},
		{"bus", func(c *domain.Config) { c.EventBus.Type = "kafka" }},
		{"kafka without brokers", func(c *domain.Config) { c.Export.Kafka.Enabled = true }},
		{"log level", func(c *domain.Config) { c.Logging.Level = "trace" }},
		{"log format", func(c *domain.Config) { c.Logging.Format = "xml" }},
		{"negative min amount", func(c *domain.Config) {
			c.Rules.HighInstantACH.MinAmount = decimal.NewFromInt(-1)
		}},
		{"bad return code", func(c *domain.Config) {
			c.Rules.RapidReturns.ReturnCodes = []domain.ReturnCode{"X99"}
		}},
		{"no return codes", func(c *domain.Config) { c.Rules.RapidReturns.ReturnCodes = nil }},
		{"min users", func(c *domain.Config) { c.Rules.SharedDevice.MinUsers = 0 }},
		{"custom without expression", func(c *domain.Config) {
			c.Rules.Custom = []domain.RuleConfig{{Name: "empty"}}
		}},
		{"duplicate custom", func(c *domain.Config) {
			r := domain.RuleConfig{Name: "dup", Expression: "true"}
			c.Rules.Custom = []domain.RuleConfig{r, r}
		}},
	}

	require.NoError(t, Validate(domain.DefaultConfig()))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}

	t.Run("disabled rules are not checked", func(t *testing.T) {
		cfg := domain.DefaultConfig()
		cfg.Rules.SharedDevice = domain.SharedDeviceConfig{Enabled: false}
		assert.NoError(t, Validate(cfg))
	})
}
