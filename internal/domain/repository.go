package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Scoring runs
	SaveRun(ctx context.Context, tenantID string, run *Run, res *ScoreResult) error
	GetRun(ctx context.Context, tenantID string, runID string) (*Run, error)
	ListRuns(ctx context.Context, tenantID string, limit int) ([]*Run, error)
	ListScoredTransactions(ctx context.Context, tenantID string, runID string) ([]ScoredTransaction, error)
	ListAlerts(ctx context.Context, tenantID string, runID string, q AlertQuery) ([]Alert, error)

	// Custom rule configuration operations
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)
	DeleteRuleConfig(ctx context.Context, tenantID string, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// AlertQuery filters the audit trail of a run. Empty fields match everything.
type AlertQuery struct {
	TransactionID string
	RuleName      string
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgres_port"`
	PostgresUser     string `json:"postgresUser" yaml:"postgres_user"`
	PostgresPassword string `json:"-" yaml:"postgres_password"`
	PostgresDB       string `json:"postgresDb" yaml:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"conn_max_lifetime"`
}
