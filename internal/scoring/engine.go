// Package scoring runs a rule registry over a transaction store and
// aggregates the alerts into per-transaction risk scores.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/opensource-finance/achscore/internal/rules"
	"github.com/opensource-finance/achscore/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EngineVersion is recorded in every run's metadata.
const EngineVersion = "1.0.0"

var tracer = otel.Tracer("achscore-scoring")

// Engine scores transaction stores against a rule registry.
type Engine struct {
	mu         sync.RWMutex
	registry   *rules.Registry
	maxWorkers int
}

// NewEngine creates an engine over registry. maxWorkers bounds how many rules
// evaluate at once.
func NewEngine(registry *rules.Registry, maxWorkers int) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	if registry == nil {
		registry, _ = rules.NewRegistry()
	}
	return &Engine{registry: registry, maxWorkers: maxWorkers}
}

// Registry returns the registry runs currently use.
func (e *Engine) Registry() *rules.Registry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry
}

// SetRegistry swaps the registry. Runs already in progress keep the registry
// they started with.
func (e *Engine) SetRegistry(registry *rules.Registry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry = registry
}

// CheckSchema reports every field a rule in registry requires that s lacks.
func CheckSchema(registry *rules.Registry, s *store.Store) error {
	var errs []error
	for _, r := range registry.Rules() {
		for _, field := range r.RequiredFields() {
			if !s.HasField(field) {
				errs = append(errs, &domain.SchemaError{Rule: r.Name(), Field: field})
			}
		}
	}
	return errors.Join(errs...)
}

// outcome is one rule's contribution to a run.
type outcome struct {
	alerts   []domain.Alert
	err      error
	duration time.Duration
}

// Score evaluates every rule over s and returns the scored transactions with
// the full alert trail. The run fails as a whole if the store lacks a field
// any rule needs or if any rule fails; partial results are never returned.
func (e *Engine) Score(ctx context.Context, s *store.Store) (*domain.ScoreResult, error) {
	start := time.Now()
	registry := e.Registry()

	ctx, span := tracer.Start(ctx, "scoring.Score",
		trace.WithAttributes(
			attribute.Int("store.transactions", s.Len()),
			attribute.Int("registry.rules", registry.Len()),
		),
	)
	defer span.End()

	res, err := e.score(ctx, registry, s, start)
	scoringRunDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		scoringRuns.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	scoringRuns.WithLabelValues("completed").Inc()
	scoringTransactions.Add(float64(s.Len()))
	if sc := span.SpanContext(); sc.TraceID().IsValid() {
		res.Metadata.TraceID = sc.TraceID().String()
	}
	span.SetAttributes(
		attribute.String("run.id", res.RunID),
		attribute.Int("run.alerts", len(res.Alerts)),
	)

	slog.Debug("scoring run completed",
		"run_id", res.RunID,
		"transactions", s.Len(),
		"alerts", len(res.Alerts),
		"flagged", res.Metadata.FlaggedCount,
		"duration_ms", res.Metadata.TotalMs,
	)
	return res, nil
}

func (e *Engine) score(ctx context.Context, registry *rules.Registry, s *store.Store, start time.Time) (*domain.ScoreResult, error) {
	if err := CheckSchema(registry, s); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ruleList := registry.Rules()
	rulesStart := time.Now()
	outcomes := e.evaluateAll(ctx, ruleList, s)
	rulesMs := time.Since(rulesStart).Milliseconds()

	var errs []error
	for i, o := range outcomes {
		name := ruleList[i].Name()
		ruleDuration.WithLabelValues(name).Observe(o.duration.Seconds())
		if o.err != nil {
			ruleErrors.WithLabelValues(name).Inc()
			errs = append(errs, o.err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	// Merge barrier: bucket each rule's alerts by store position so the
	// alert table follows store order, then registry order within a
	// transaction.
	perTx := make([][]domain.Alert, s.Len())
	hits := make(map[string]int, len(ruleList))
	total := 0
	for i, o := range outcomes {
		name := ruleList[i].Name()
		hits[name] = len(o.alerts)
		ruleAlerts.WithLabelValues(name).Add(float64(len(o.alerts)))
		for _, a := range o.alerts {
			idx, _ := s.IndexOf(a.TransactionID)
			perTx[idx] = append(perTx[idx], a)
			total++
		}
	}

	res := &domain.ScoreResult{
		RunID:     uuid.New().String(),
		Scored:    make([]domain.ScoredTransaction, s.Len()),
		Alerts:    make([]domain.Alert, 0, total),
		CreatedAt: time.Now().UTC(),
	}

	flagged := 0
	for i := 0; i < s.Len(); i++ {
		res.Scored[i] = domain.ScoredTransaction{Transaction: s.At(i), RiskScore: len(perTx[i])}
		if len(perTx[i]) > 0 {
			flagged++
		}
		res.Alerts = append(res.Alerts, perTx[i]...)
	}

	res.Metadata = domain.RunMetadata{
		Rules:         registry.Names(),
		RuleHits:      hits,
		Transactions:  s.Len(),
		AlertCount:    total,
		FlaggedCount:  flagged,
		RulesMs:       rulesMs,
		TotalMs:       time.Since(start).Milliseconds(),
		EngineVersion: EngineVersion,
	}
	return res, nil
}

// evaluateAll runs each rule in its own goroutine, bounded by maxWorkers.
// Results land in a slice indexed like ruleList, so no locking is needed.
func (e *Engine) evaluateAll(ctx context.Context, ruleList []rules.Rule, s *store.Store) []outcome {
	results := make([]outcome, len(ruleList))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range ruleList {
		wg.Add(1)
		go func(idx int, r rules.Rule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = evaluateRule(ctx, r, s)
		}(i, rule)
	}

	wg.Wait()

	return results
}

// evaluateRule runs one rule and checks its output. Errors and panics are
// attributed to the rule.
func evaluateRule(ctx context.Context, r rules.Rule, s *store.Store) (o outcome) {
	start := time.Now()
	name := r.Name()

	ctx, span := tracer.Start(ctx, "rule.Evaluate", trace.WithAttributes(attribute.String("rule.name", name)))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			slog.Error("rule panicked", "rule", name, "panic", p, "stack", string(debug.Stack()))
			o = outcome{err: &domain.RuleError{Rule: name, Err: fmt.Errorf("panic: %v", p)}}
		}
		o.duration = time.Since(start)
		if o.err != nil {
			span.RecordError(o.err)
			span.SetStatus(codes.Error, o.err.Error())
		}
	}()

	if err := ctx.Err(); err != nil {
		return outcome{err: &domain.RuleError{Rule: name, Err: err}}
	}

	alerts, err := r.Evaluate(ctx, s)
	if err != nil {
		return outcome{err: &domain.RuleError{Rule: name, Err: err}}
	}

	checked, err := checkAlerts(name, alerts, s)
	if err != nil {
		return outcome{err: &domain.RuleError{Rule: name, Err: err}}
	}
	span.SetAttributes(attribute.Int("rule.alerts", len(checked)))
	return outcome{alerts: checked}
}

// checkAlerts enforces the rule output contract: alerts carry the rule's own
// name and reference transactions in the store. Repeated alerts for the same
// transaction collapse into one.
func checkAlerts(name string, alerts []domain.Alert, s *store.Store) ([]domain.Alert, error) {
	seen := make(map[string]bool, len(alerts))
	out := make([]domain.Alert, 0, len(alerts))
	for _, a := range alerts {
		if a.RuleName != name {
			return nil, fmt.Errorf("alert for %s is named %q", a.TransactionID, a.RuleName)
		}
		if _, ok := s.IndexOf(a.TransactionID); !ok {
			return nil, fmt.Errorf("alert references unknown transaction %q", a.TransactionID)
		}
		if seen[a.TransactionID] {
			continue
		}
		seen[a.TransactionID] = true
		out = append(out, a)
	}
	return out, nil
}
