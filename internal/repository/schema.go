package repository

// Schema definitions for the achscore database.
// Compatible with both SQLite and PostgreSQL.

const schemaRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    transaction_count INTEGER NOT NULL,
    alert_count INTEGER NOT NULL,
    flagged_count INTEGER NOT NULL,
    high_risk_count INTEGER NOT NULL,
    high_risk_threshold INTEGER NOT NULL,
    return_rate REAL NOT NULL,
    high_risk_rate REAL NOT NULL,
    rules TEXT NOT NULL,
    rule_hits TEXT NOT NULL,
    duration_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(tenant_id, created_at);
`

// schemaScoredTransactions stores the scored transaction table of a run.
// amount is kept as decimal text; return_code and days_to_return are NULL
// for transactions without a return.
const schemaScoredTransactions = `
CREATE TABLE IF NOT EXISTS scored_transactions (
    run_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    transaction_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    direction TEXT NOT NULL,
    amount TEXT NOT NULL,
    ach_type TEXT NOT NULL,
    funding_speed TEXT NOT NULL,
    device_id TEXT NOT NULL,
    ip_country TEXT NOT NULL,
    return_code TEXT,
    returned INTEGER NOT NULL,
    days_to_return INTEGER,
    account_age_days INTEGER NOT NULL,
    attributes TEXT,
    risk_score INTEGER NOT NULL,
    PRIMARY KEY (run_id, transaction_id)
);

CREATE INDEX IF NOT EXISTS idx_scored_tenant_run ON scored_transactions(tenant_id, run_id, seq);
CREATE INDEX IF NOT EXISTS idx_scored_score ON scored_transactions(tenant_id, run_id, risk_score);
`

// schemaAlerts is the audit trail: one row per (transaction, rule) hit.
const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    run_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    transaction_id TEXT NOT NULL,
    rule_name TEXT NOT NULL,
    PRIMARY KEY (run_id, transaction_id, rule_name)
);

CREATE INDEX IF NOT EXISTS idx_alerts_tenant_run ON alerts(tenant_id, run_id, seq);
CREATE INDEX IF NOT EXISTS idx_alerts_rule ON alerts(tenant_id, run_id, rule_name);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    fields TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRuns,
		schemaScoredTransactions,
		schemaAlerts,
		schemaRuleConfigs,
	}
}
