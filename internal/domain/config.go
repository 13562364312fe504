package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the complete achscore configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Scoring engine and built-in rule settings
	Scoring ScoringConfig `json:"scoring" yaml:"scoring"`
	Rules   RulesConfig   `json:"rules" yaml:"rules"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"event_bus"`
	Export     ExportConfig     `json:"export" yaml:"export"`

	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"write_timeout"` // seconds
	MaxBodyBytes int64  `json:"maxBodyBytes" yaml:"max_body_bytes"`
}

// ScoringConfig holds engine settings.
type ScoringConfig struct {
	// MaxWorkers bounds concurrent rule evaluation.
	MaxWorkers int `json:"maxWorkers" yaml:"max_workers"`

	// HighRiskThreshold is the minimum risk_score counted as high risk by
	// run summaries, the API and the report command.
	HighRiskThreshold int `json:"highRiskThreshold" yaml:"high_risk_threshold"`

	// RunCacheTTL is how long run summaries stay cached.
	RunCacheTTL time.Duration `json:"runCacheTtl" yaml:"run_cache_ttl"`
}

// RulesConfig configures the built-in rules and static expression rules.
type RulesConfig struct {
	HighInstantACH HighInstantACHConfig `json:"highInstantAch" yaml:"high_instant_ach"`
	RapidReturns   RapidReturnsConfig   `json:"rapidReturns" yaml:"rapid_returns"`
	SharedDevice   SharedDeviceConfig   `json:"sharedDevice" yaml:"shared_device"`
	Custom         []RuleConfig         `json:"custom,omitempty" yaml:"custom"`
}

// HighInstantACHConfig configures high_instant_ach_for_new_users.
type HighInstantACHConfig struct {
	Enabled           bool            `json:"enabled" yaml:"enabled"`
	MaxAccountAgeDays int             `json:"maxAccountAgeDays" yaml:"max_account_age_days"`
	MinAmount         decimal.Decimal `json:"minAmount" yaml:"min_amount"`
}

// RapidReturnsConfig configures rapid_high_risk_returns.
type RapidReturnsConfig struct {
	Enabled         bool         `json:"enabled" yaml:"enabled"`
	MaxDaysToReturn int          `json:"maxDaysToReturn" yaml:"max_days_to_return"`
	ReturnCodes     []ReturnCode `json:"returnCodes" yaml:"return_codes"`
}

// SharedDeviceConfig configures device_shared_by_many_users.
type SharedDeviceConfig struct {
	Enabled  bool `json:"enabled" yaml:"enabled"`
	MinUsers int  `json:"minUsers" yaml:"min_users"`
}

// ExportConfig holds alert export settings.
type ExportConfig struct {
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

// KafkaConfig holds settings for the Kafka alert sink.
type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// DefaultConfig returns a configuration for a single-node deployment:
// SQLite, in-process cache and channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			MaxBodyBytes: 32 << 20,
		},
		Scoring: ScoringConfig{
			MaxWorkers:        8,
			HighRiskThreshold: 2,
			RunCacheTTL:       15 * time.Minute,
		},
		Rules: DefaultRulesConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./achscore.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
			NATSQueueGroup:    "achscore-workers",
		},
		Export: ExportConfig{
			Kafka: KafkaConfig{
				Topic: "achscore.alerts",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultRulesConfig enables the three built-in rules with their standard thresholds.
func DefaultRulesConfig() RulesConfig {
	return RulesConfig{
		HighInstantACH: HighInstantACHConfig{
			Enabled:           true,
			MaxAccountAgeDays: 30,
			MinAmount:         decimal.NewFromInt(500),
		},
		RapidReturns: RapidReturnsConfig{
			Enabled:         true,
			MaxDaysToReturn: 5,
			ReturnCodes: []ReturnCode{
				ReturnInsufficientFunds,
				ReturnNotAuthorized,
				ReturnCorporateNotAuth,
			},
		},
		SharedDevice: SharedDeviceConfig{
			Enabled:  true,
			MinUsers: 5,
		},
	}
}
