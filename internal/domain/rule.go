package domain

import "time"

// Built-in rule names. They are stable and appear verbatim in the alert table.
const (
	RuleHighInstantACHForNewUsers = "high_instant_ach_for_new_users"
	RuleRapidHighRiskReturns      = "rapid_high_risk_returns"
	RuleDeviceSharedByManyUsers   = "device_shared_by_many_users"
)

// RuleKind distinguishes compiled-in rules from expression rules.
type RuleKind string

const (
	RuleKindBuiltin    RuleKind = "builtin"
	RuleKindExpression RuleKind = "expression"
	RuleKindCustom     RuleKind = "custom"
)

// RuleConfig defines a custom expression rule. The expression is CEL and must
// evaluate to a bool over the `tx` map of a single transaction.
type RuleConfig struct {
	ID          string `json:"id" yaml:"id"`
	TenantID    string `json:"tenantId,omitempty" yaml:"-"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Version     string `json:"version" yaml:"version"`

	// CEL expression to evaluate
	Expression string `json:"expression" yaml:"expression"`

	// Fields the expression reads; checked against the store before scoring.
	Fields []string `json:"fields" yaml:"fields"`

	// Whether rule is active
	Enabled bool `json:"enabled" yaml:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"-"`
}

// RuleInfo describes a rule loaded in a registry.
type RuleInfo struct {
	Name           string   `json:"name"`
	Kind           RuleKind `json:"kind"`
	RequiredFields []string `json:"requiredFields"`
	Expression     string   `json:"expression,omitempty"`
}
