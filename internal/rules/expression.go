package rules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/opensource-finance/achscore/internal/store"
)

// Compiler turns rule configurations into CEL-backed rules.
type Compiler struct {
	env *cel.Env
}

// NewCompiler creates the CEL environment expression rules run in. Each
// expression sees one transaction as the map `tx` and its non-schema columns
// as the string map `attributes`.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// Validate compiles a rule without keeping the result.
func (c *Compiler) Validate(cfg *domain.RuleConfig) error {
	_, err := c.Compile(cfg)
	return err
}

// Compile checks and compiles a rule configuration.
func (c *Compiler) Compile(cfg *domain.RuleConfig) (*ExpressionRule, error) {
	if cfg == nil {
		return nil, errors.New("rule config is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("rule %s: name is required", cfg.ID)
	}

	ast, issues := c.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.Name, issues.Err())
	}

	if outputType := ast.OutputType(); outputType != cel.BoolType && outputType != cel.DynType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.Name, outputType)
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.Name, err)
	}

	fields := slices.Clone(cfg.Fields)
	if len(fields) == 0 {
		fields = ReferencedFields(cfg.Expression)
	}
	schema := domain.TransactionFields()
	for _, f := range fields {
		if !slices.Contains(schema, f) {
			return nil, fmt.Errorf("rule %s: unknown field %q", cfg.Name, f)
		}
	}

	return &ExpressionRule{config: cfg, program: program, fields: fields}, nil
}

// ExpressionRule flags each transaction for which its CEL expression is true.
type ExpressionRule struct {
	config  *domain.RuleConfig
	program cel.Program
	fields  []string
}

func (r *ExpressionRule) Name() string               { return r.config.Name }
func (r *ExpressionRule) Kind() domain.RuleKind      { return domain.RuleKindExpression }
func (r *ExpressionRule) RequiredFields() []string   { return slices.Clone(r.fields) }
func (r *ExpressionRule) Config() *domain.RuleConfig { return r.config }

// Evaluate runs the expression per transaction. An evaluation error or a
// non-bool result fails the whole rule.
func (r *ExpressionRule) Evaluate(ctx context.Context, s *store.Store) ([]domain.Alert, error) {
	var alerts []domain.Alert
	for i := 0; i < s.Len(); i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		tx := s.At(i)
		attrs := tx.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}

		out, _, err := r.program.Eval(map[string]any{
			"tx":         tx.ToMap(),
			"attributes": attrs,
		})
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", tx.TransactionID, err)
		}

		hit, ok := out.(types.Bool)
		if !ok {
			return nil, fmt.Errorf("transaction %s: expression returned %s, want bool", tx.TransactionID, out.Type().TypeName())
		}
		if hit {
			alerts = append(alerts, domain.Alert{TransactionID: tx.TransactionID, RuleName: r.Name()})
		}
	}
	return alerts, nil
}

var fieldRef = regexp.MustCompile(`\btx\s*(?:\.\s*([a-z_]+)|\[\s*"([a-z_]+)"\s*\])`)

// ReferencedFields lists the schema fields an expression reads from `tx`.
func ReferencedFields(expr string) []string {
	seen := make(map[string]bool)
	for _, m := range fieldRef.FindAllStringSubmatch(expr, -1) {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		seen[name] = true
	}

	var out []string
	for _, f := range domain.TransactionFields() {
		if seen[f] {
			out = append(out, f)
		}
	}
	return out
}
