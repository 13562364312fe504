// Package rules defines the rule capability the scoring engine evaluates, the
// built-in ACH fraud rules and CEL expression rules.
package rules

import (
	"context"
	"slices"

	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/opensource-finance/achscore/internal/store"
)

// Rule flags suspicious transactions in a store. Implementations must be
// pure: no mutation of the store, no state carried between calls, and the
// same alerts for the same store regardless of what other rules do.
// A rule emits at most one alert per transaction, named with Name().
type Rule interface {
	// Name is the stable identifier written to the alert table.
	Name() string

	// RequiredFields lists the store fields the rule reads. The engine checks
	// them before any rule runs.
	RequiredFields() []string

	// Evaluate returns the alerts the rule raises over the whole store.
	Evaluate(ctx context.Context, s *store.Store) ([]domain.Alert, error)
}

// kinded is implemented by rules that report their kind in registry listings.
type kinded interface {
	Kind() domain.RuleKind
}

// EvaluateFunc is the signature of a function-backed rule.
type EvaluateFunc func(ctx context.Context, s *store.Store) ([]domain.Alert, error)

// Func adapts a plain function to the Rule interface.
type Func struct {
	name   string
	fields []string
	fn     EvaluateFunc
}

// NewFunc returns a rule backed by fn.
func NewFunc(name string, fields []string, fn EvaluateFunc) *Func {
	return &Func{name: name, fields: fields, fn: fn}
}

func (f *Func) Name() string             { return f.name }
func (f *Func) RequiredFields() []string { return slices.Clone(f.fields) }

func (f *Func) Evaluate(ctx context.Context, s *store.Store) ([]domain.Alert, error) {
	return f.fn(ctx, s)
}

// Flag evaluates pred for every transaction and raises an alert named name for
// each match. It is the common shape of row-local rules.
func Flag(s *store.Store, name string, pred func(tx *domain.Transaction) bool) []domain.Alert {
	var alerts []domain.Alert
	for i := 0; i < s.Len(); i++ {
		tx := s.At(i)
		if pred(&tx) {
			alerts = append(alerts, domain.Alert{TransactionID: tx.TransactionID, RuleName: name})
		}
	}
	return alerts
}
