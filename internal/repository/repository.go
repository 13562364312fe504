// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db      *sql.DB
	dialect dialect
}

// New opens the configured database and applies the schema.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, d, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &SQLRepository{db: db, dialect: d}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRun stores a run summary with its scored transactions and alerts in a
// single database transaction.
func (r *SQLRepository) SaveRun(ctx context.Context, tenantID string, run *domain.Run, res *domain.ScoreResult) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if run == nil || res == nil || run.ID == "" {
		return fmt.Errorf("%w: run is required", ErrInvalidInput)
	}

	rules, _ := json.Marshal(run.Rules)
	hits, _ := json.Marshal(run.RuleHits)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.rebind(`
		INSERT INTO runs (
			id, tenant_id, created_at, transaction_count, alert_count, flagged_count,
			high_risk_count, high_risk_threshold, return_rate, high_risk_rate,
			rules, rule_hits, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		run.ID, tenantID, run.CreatedAt, run.TransactionCount, run.AlertCount, run.FlaggedCount,
		run.HighRiskCount, run.HighRiskThreshold, run.ReturnRate, run.HighRiskRate,
		string(rules), string(hits), run.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	scoredStmt, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO scored_transactions (
			run_id, tenant_id, seq, transaction_id, user_id, timestamp, direction,
			amount, ach_type, funding_speed, device_id, ip_country, return_code,
			returned, days_to_return, account_age_days, attributes, risk_score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer scoredStmt.Close()

	for i, st := range res.Scored {
		var returnCode sql.NullString
		if st.ReturnCode != nil {
			returnCode = sql.NullString{String: string(*st.ReturnCode), Valid: true}
		}
		var daysToReturn sql.NullInt64
		if st.DaysToReturn != nil {
			daysToReturn = sql.NullInt64{Int64: int64(*st.DaysToReturn), Valid: true}
		}
		var attributes sql.NullString
		if len(st.Attributes) > 0 {
			b, _ := json.Marshal(st.Attributes)
			attributes = sql.NullString{String: string(b), Valid: true}
		}

		returned := 0
		if st.Returned {
			returned = 1
		}

		if _, err := scoredStmt.ExecContext(ctx,
			run.ID, tenantID, i, st.TransactionID, st.UserID, st.Timestamp, string(st.Direction),
			st.Amount.String(), string(st.ACHType), string(st.FundingSpeed), st.DeviceID, st.IPCountry, returnCode,
			returned, daysToReturn, st.AccountAgeDays, attributes, st.RiskScore,
		); err != nil {
			return fmt.Errorf("failed to insert scored transaction %s: %w", st.TransactionID, err)
		}
	}

	alertStmt, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO alerts (run_id, tenant_id, seq, transaction_id, rule_name)
		VALUES (?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer alertStmt.Close()

	for i, a := range res.Alerts {
		if _, err := alertStmt.ExecContext(ctx, run.ID, tenantID, i, a.TransactionID, a.RuleName); err != nil {
			return fmt.Errorf("failed to insert alert %s/%s: %w", a.TransactionID, a.RuleName, err)
		}
	}

	return tx.Commit()
}

const runColumns = `
	id, tenant_id, created_at, transaction_count, alert_count, flagged_count,
	high_risk_count, high_risk_threshold, return_rate, high_risk_rate,
	rules, rule_hits, duration_ms
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var rules, hits string

	if err := row.Scan(
		&run.ID, &run.TenantID, &run.CreatedAt, &run.TransactionCount, &run.AlertCount, &run.FlaggedCount,
		&run.HighRiskCount, &run.HighRiskThreshold, &run.ReturnRate, &run.HighRiskRate,
		&rules, &hits, &run.DurationMs,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(rules), &run.Rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules of run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(hits), &run.RuleHits); err != nil {
		return nil, fmt.Errorf("failed to parse rule hits of run %s: %w", run.ID, err)
	}
	return &run, nil
}

// GetRun retrieves a run summary with tenant isolation.
func (r *SQLRepository) GetRun(ctx context.Context, tenantID string, runID string) (*domain.Run, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE tenant_id = ? AND id = ?`

	run, err := scanRun(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs of a tenant, newest first.
func (r *SQLRepository) ListRuns(ctx context.Context, tenantID string, limit int) ([]*domain.Run, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// ListScoredTransactions returns a run's scored transactions in input order.
func (r *SQLRepository) ListScoredTransactions(ctx context.Context, tenantID string, runID string) ([]domain.ScoredTransaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT transaction_id, user_id, timestamp, direction, amount, ach_type,
			   funding_speed, device_id, ip_country, return_code, returned,
			   days_to_return, account_age_days, attributes, risk_score
		FROM scored_transactions
		WHERE tenant_id = ? AND run_id = ?
		ORDER BY seq
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scored []domain.ScoredTransaction
	for rows.Next() {
		var (
			st           domain.ScoredTransaction
			amount       string
			returnCode   sql.NullString
			returned     int
			daysToReturn sql.NullInt64
			attributes   sql.NullString
		)

		if err := rows.Scan(
			&st.TransactionID, &st.UserID, &st.Timestamp, &st.Direction, &amount, &st.ACHType,
			&st.FundingSpeed, &st.DeviceID, &st.IPCountry, &returnCode, &returned,
			&daysToReturn, &st.AccountAgeDays, &attributes, &st.RiskScore,
		); err != nil {
			return nil, err
		}

		st.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse amount of %s: %w", st.TransactionID, err)
		}
		st.Timestamp = st.Timestamp.UTC()
		st.Returned = returned == 1
		if returnCode.Valid {
			code := domain.ReturnCode(returnCode.String)
			st.ReturnCode = &code
		}
		if daysToReturn.Valid {
			days := int(daysToReturn.Int64)
			st.DaysToReturn = &days
		}
		if attributes.Valid && attributes.String != "" {
			if err := json.Unmarshal([]byte(attributes.String), &st.Attributes); err != nil {
				return nil, fmt.Errorf("failed to parse attributes of %s: %w", st.TransactionID, err)
			}
		}

		scored = append(scored, st)
	}

	return scored, rows.Err()
}

// ListAlerts returns a run's audit trail, optionally narrowed to one
// transaction or one rule.
func (r *SQLRepository) ListAlerts(ctx context.Context, tenantID string, runID string, q domain.AlertQuery) ([]domain.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var sb strings.Builder
	sb.WriteString(`SELECT transaction_id, rule_name FROM alerts WHERE tenant_id = ? AND run_id = ?`)
	args := []any{tenantID, runID}

	if q.TransactionID != "" {
		sb.WriteString(` AND transaction_id = ?`)
		args = append(args, q.TransactionID)
	}
	if q.RuleName != "" {
		sb.WriteString(` AND rule_name = ?`)
		args = append(args, q.RuleName)
	}
	sb.WriteString(` ORDER BY seq`)

	rows, err := r.db.QueryContext(ctx, r.rebind(sb.String()), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		var a domain.Alert
		if err := rows.Scan(&a.TransactionID, &a.RuleName); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	fields, _ := json.Marshal(rule.Fields)

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, expression, fields, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			fields = excluded.fields,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, string(fields), enabled,
		now, now,
	)
	return err
}

const ruleColumns = `id, tenant_id, name, description, version, expression, fields, enabled, created_at, updated_at`

func scanRuleConfig(row rowScanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description sql.NullString
	var fields string
	var enabled int

	if err := row.Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &description,
		&cfg.Version, &cfg.Expression, &fields, &enabled,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	); err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(fields), &cfg.Fields); err != nil {
		return nil, fmt.Errorf("failed to parse fields of rule %s: %w", cfg.ID, err)
	}
	return &cfg, nil
}

// GetRuleConfig retrieves the latest active version of a rule with tenant isolation.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + ruleColumns + `
		FROM rule_configs
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	cfg, err := scanRuleConfig(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListRuleConfigs retrieves all active rule configurations for a tenant.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + ruleColumns + `
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name, version
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRuleConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

// DeleteRuleConfig soft-deletes every version of a rule by setting enabled = 0.
func (r *SQLRepository) DeleteRuleConfig(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE rule_configs
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for dialects that number
// their parameters.
func (r *SQLRepository) rebind(query string) string {
	if !r.dialect.numbered {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			sb.WriteByte(query[i])
			continue
		}
		n++
		sb.WriteByte('$')
		sb.WriteString(strconv.Itoa(n))
	}
	return sb.String()
}
