package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSchema marks a store that lacks a field some rule depends on.
	ErrSchema = errors.New("schema error")

	// ErrInvariant marks a transaction record that violates the data model.
	ErrInvariant = errors.New("invariant violation")

	// ErrRuleEvaluation marks a rule that failed during a scoring run.
	ErrRuleEvaluation = errors.New("rule evaluation failed")
)

// SchemaError names the missing field and the rule that needs it.
type SchemaError struct {
	Rule  string
	Field string
}

func (e *SchemaError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("schema error: required field %q is missing", e.Field)
	}
	return fmt.Sprintf("schema error: rule %q requires field %q, which the transaction store does not provide", e.Rule, e.Field)
}

func (e *SchemaError) Unwrap() error { return ErrSchema }

// InvariantError describes one rejected record.
type InvariantError struct {
	Index         int
	TransactionID string
	Reason        string
}

func (e *InvariantError) Error() string {
	if e.TransactionID == "" {
		return fmt.Sprintf("record %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("record %d (%s): %s", e.Index, e.TransactionID, e.Reason)
}

func (e *InvariantError) Unwrap() error { return ErrInvariant }

// RuleError attributes an evaluation failure to a rule.
type RuleError struct {
	Rule string
	Err  error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %q: %v", e.Rule, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *RuleError) Unwrap() []error { return []error{ErrRuleEvaluation, e.Err} }
