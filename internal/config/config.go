// Package config loads achscore configuration: defaults, then an optional
// YAML file, then ACHSCORE_* environment variables (a .env file in the
// working directory is read into the environment first).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/opensource-finance/achscore/internal/store"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "ACHSCORE_CONFIG"

// Load builds the configuration. path may be empty, in which case
// ACHSCORE_CONFIG is consulted; with neither set only defaults and the
// environment apply.
func Load(path string) (*domain.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := domain.DefaultConfig()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envReader collects the first parse error so overrides read as a flat list.
type envReader struct {
	err error
}

func (r *envReader) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (r *envReader) integer(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" || r.err != nil {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.err = fmt.Errorf("%s: invalid integer %q", key, v)
		return
	}
	*dst = n
}

func (r *envReader) boolean(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" || r.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.err = fmt.Errorf("%s: invalid boolean %q", key, v)
		return
	}
	*dst = b
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" || r.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.err = fmt.Errorf("%s: invalid duration %q", key, v)
		return
	}
	*dst = d
}

func (r *envReader) list(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		*dst = splitAndTrim(v)
	}
}

// applyEnvOverrides applies ACHSCORE_* environment variables.
func applyEnvOverrides(cfg *domain.Config) error {
	r := &envReader{}

	r.str("ACHSCORE_HOST", &cfg.Server.Host)
	r.integer("ACHSCORE_PORT", &cfg.Server.Port)

	r.integer("ACHSCORE_MAX_WORKERS", &cfg.Scoring.MaxWorkers)
	r.integer("ACHSCORE_HIGH_RISK_THRESHOLD", &cfg.Scoring.HighRiskThreshold)
	r.duration("ACHSCORE_RUN_CACHE_TTL", &cfg.Scoring.RunCacheTTL)

	r.str("ACHSCORE_DB_DRIVER", &cfg.Repository.Driver)
	r.str("ACHSCORE_SQLITE_PATH", &cfg.Repository.SQLitePath)
	r.str("ACHSCORE_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	r.integer("ACHSCORE_POSTGRES_PORT", &cfg.Repository.PostgresPort)
	r.str("ACHSCORE_POSTGRES_USER", &cfg.Repository.PostgresUser)
	r.str("ACHSCORE_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	r.str("ACHSCORE_POSTGRES_DB", &cfg.Repository.PostgresDB)
	r.str("ACHSCORE_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	r.str("ACHSCORE_CACHE_TYPE", &cfg.Cache.Type)
	r.str("ACHSCORE_REDIS_ADDR", &cfg.Cache.RedisAddr)
	r.str("ACHSCORE_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	r.integer("ACHSCORE_REDIS_DB", &cfg.Cache.RedisDB)

	r.str("ACHSCORE_BUS_TYPE", &cfg.EventBus.Type)
	r.str("ACHSCORE_NATS_URL", &cfg.EventBus.NATSUrl)
	r.str("ACHSCORE_NATS_TOKEN", &cfg.EventBus.NATSToken)
	r.str("ACHSCORE_NATS_QUEUE_GROUP", &cfg.EventBus.NATSQueueGroup)

	r.boolean("ACHSCORE_KAFKA_ENABLED", &cfg.Export.Kafka.Enabled)
	r.list("ACHSCORE_KAFKA_BROKERS", &cfg.Export.Kafka.Brokers)
	r.str("ACHSCORE_KAFKA_TOPIC", &cfg.Export.Kafka.Topic)

	r.str("ACHSCORE_LOG_LEVEL", &cfg.Logging.Level)
	r.str("ACHSCORE_LOG_FORMAT", &cfg.Logging.Format)
	if os.Getenv("ACHSCORE_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	return r.err
}

// Validate checks the configuration for values no component can run with.
func Validate(cfg *domain.Config) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		fail("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Scoring.MaxWorkers <= 0 {
		fail("scoring.max_workers must be positive")
	}
	if cfg.Scoring.HighRiskThreshold < 1 {
		fail("scoring.high_risk_threshold must be at least 1")
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		fail("unsupported repository driver: %q", cfg.Repository.Driver)
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		fail("unsupported cache type: %q", cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		fail("unsupported event bus type: %q", cfg.EventBus.Type)
	}
	if k := cfg.Export.Kafka; k.Enabled && (len(k.Brokers) == 0 || k.Topic == "") {
		fail("export.kafka requires brokers and topic when enabled")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		fail("invalid logging level: %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		fail("invalid logging format: %q", cfg.Logging.Format)
	}

	errs = append(errs, validateRules(&cfg.Rules)...)
	return errors.Join(errs...)
}

func validateRules(rc *domain.RulesConfig) []error {
	var errs []error

	if h := rc.HighInstantACH; h.Enabled {
		if h.MaxAccountAgeDays < 0 {
			errs = append(errs, errors.New("rules.high_instant_ach.max_account_age_days must not be negative"))
		}
		if h.MinAmount.IsNegative() {
			errs = append(errs, errors.New("rules.high_instant_ach.min_amount must not be negative"))
		}
	}
	if r := rc.RapidReturns; r.Enabled {
		if r.MaxDaysToReturn < 0 {
			errs = append(errs, errors.New("rules.rapid_returns.max_days_to_return must not be negative"))
		}
		if len(r.ReturnCodes) == 0 {
			errs = append(errs, errors.New("rules.rapid_returns.return_codes must not be empty"))
		}
		for _, c := range r.ReturnCodes {
			if !store.ValidReturnCode(string(c)) {
				errs = append(errs, fmt.Errorf("rules.rapid_returns.return_codes: invalid code %q", c))
			}
		}
	}
	if d := rc.SharedDevice; d.Enabled && d.MinUsers < 1 {
		errs = append(errs, errors.New("rules.shared_device.min_users must be at least 1"))
	}

	seen := make(map[string]bool, len(rc.Custom))
	for i, c := range rc.Custom {
		if c.Name == "" || c.Expression == "" {
			errs = append(errs, fmt.Errorf("rules.custom[%d]: name and expression are required", i))
			continue
		}
		if seen[c.Name] {
			errs = append(errs, fmt.Errorf("rules.custom[%d]: duplicate name %q", i, c.Name))
		}
		seen[c.Name] = true
	}
	return errs
}

func splitAndTrim(s string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
