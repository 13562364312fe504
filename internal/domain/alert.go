package domain

import (
	"context"
	"time"
)

// Alert is one rule's judgment that a transaction is suspicious.
type Alert struct {
	TransactionID string `json:"transaction_id"`
	RuleName      string `json:"rule_name"`
}

// ScoredTransaction is a transaction with its risk score appended.
type ScoredTransaction struct {
	Transaction
	RiskScore int `json:"risk_score"`
}

// ScoreResult is the output of one scoring run.
type ScoreResult struct {
	RunID     string              `json:"run_id"`
	Scored    []ScoredTransaction `json:"scored_transactions"`
	Alerts    []Alert             `json:"alerts"`
	Metadata  RunMetadata         `json:"metadata"`
	CreatedAt time.Time           `json:"created_at"`
}

// RunMetadata contains processing information for a run.
type RunMetadata struct {
	TraceID       string         `json:"trace_id,omitempty"`
	Rules         []string       `json:"rules"`
	RuleHits      map[string]int `json:"rule_hits"`
	Transactions  int            `json:"transactions"`
	AlertCount    int            `json:"alert_count"`
	FlaggedCount  int            `json:"flagged_count"`
	RulesMs       int64          `json:"rules_ms"`
	TotalMs       int64          `json:"total_ms"`
	EngineVersion string         `json:"engine_version"`
}

// Run is the persisted summary of a scoring run.
type Run struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	CreatedAt         time.Time      `json:"created_at"`
	TransactionCount  int            `json:"transaction_count"`
	AlertCount        int            `json:"alert_count"`
	FlaggedCount      int            `json:"flagged_count"`
	HighRiskCount     int            `json:"high_risk_count"`
	HighRiskThreshold int            `json:"high_risk_threshold"`
	ReturnRate        float64        `json:"return_rate"`
	HighRiskRate      float64        `json:"high_risk_rate"`
	Rules             []string       `json:"rules"`
	RuleHits          map[string]int `json:"rule_hits"`
	DurationMs        int64          `json:"duration_ms"`
}

// NewRun summarizes a score result. highRiskThreshold is the minimum
// risk_score counted as high risk.
func NewRun(tenantID string, res *ScoreResult, highRiskThreshold int) *Run {
	run := &Run{
		ID:                res.RunID,
		TenantID:          tenantID,
		CreatedAt:         res.CreatedAt,
		TransactionCount:  len(res.Scored),
		AlertCount:        len(res.Alerts),
		FlaggedCount:      res.Metadata.FlaggedCount,
		HighRiskThreshold: highRiskThreshold,
		Rules:             res.Metadata.Rules,
		RuleHits:          res.Metadata.RuleHits,
		DurationMs:        res.Metadata.TotalMs,
	}

	returned := 0
	for _, st := range res.Scored {
		if st.Returned {
			returned++
		}
		if st.RiskScore >= highRiskThreshold {
			run.HighRiskCount++
		}
	}

	if n := len(res.Scored); n > 0 {
		run.ReturnRate = float64(returned) / float64(n)
		run.HighRiskRate = float64(run.HighRiskCount) / float64(n)
	}
	return run
}

// AlertSink receives the alert trail of completed runs for downstream
// consumers (case management, streaming exports).
type AlertSink interface {
	SendAlerts(ctx context.Context, tenantID string, runID string, alerts []Alert) error
	Close() error
}
