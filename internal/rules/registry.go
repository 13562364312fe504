package rules

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/opensource-finance/achscore/internal/domain"
)

// Registry is an ordered, immutable set of uniquely named rules.
type Registry struct {
	rules []Rule
}

// NewRegistry returns a registry over rules in the given order.
func NewRegistry(rules ...Rule) (*Registry, error) {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r == nil {
			return nil, errors.New("registry: nil rule")
		}
		name := r.Name()
		if name == "" {
			return nil, errors.New("registry: rule with empty name")
		}
		if seen[name] {
			return nil, fmt.Errorf("registry: duplicate rule name %q", name)
		}
		seen[name] = true
	}
	return &Registry{rules: slices.Clone(rules)}, nil
}

// BuildRegistry assembles the enabled built-ins followed by the enabled
// custom expression rules, static configuration first.
func BuildRegistry(cfg domain.RulesConfig, custom []*domain.RuleConfig, c *Compiler) (*Registry, error) {
	rules := Builtins(cfg)

	configs := make([]*domain.RuleConfig, 0, len(cfg.Custom)+len(custom))
	for i := range cfg.Custom {
		configs = append(configs, &cfg.Custom[i])
	}
	configs = append(configs, custom...)

	for _, rc := range configs {
		if !rc.Enabled {
			continue
		}
		if c == nil {
			return nil, fmt.Errorf("rule %s: no expression compiler configured", rc.Name)
		}
		r, err := c.Compile(rc)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}

	return NewRegistry(rules...)
}

// RuleConfigLister is the subset of domain.Repository LoadRegistry reads.
type RuleConfigLister interface {
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error)
}

// LoadRegistry builds a registry from cfg plus the custom rules stored for
// tenantID. A nil lister yields the configured rules only.
func LoadRegistry(ctx context.Context, lister RuleConfigLister, tenantID string, cfg domain.RulesConfig, c *Compiler) (*Registry, error) {
	var custom []*domain.RuleConfig
	if lister != nil {
		stored, err := lister.ListRuleConfigs(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to list rule configs: %w", err)
		}
		custom = stored
	}
	return BuildRegistry(cfg, custom, c)
}

// Rules returns the rules in registry order.
func (r *Registry) Rules() []Rule {
	return slices.Clone(r.rules)
}

// Len returns the number of rules.
func (r *Registry) Len() int {
	return len(r.rules)
}

// Names returns rule names in registry order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.rules))
	for i, rule := range r.rules {
		names[i] = rule.Name()
	}
	return names
}

// Infos describes the loaded rules.
func (r *Registry) Infos() []domain.RuleInfo {
	infos := make([]domain.RuleInfo, len(r.rules))
	for i, rule := range r.rules {
		info := domain.RuleInfo{
			Name:           rule.Name(),
			Kind:           domain.RuleKindCustom,
			RequiredFields: rule.RequiredFields(),
		}
		if k, ok := rule.(kinded); ok {
			info.Kind = k.Kind()
		}
		if er, ok := rule.(*ExpressionRule); ok {
			info.Expression = er.Config().Expression
		}
		infos[i] = info
	}
	return infos
}
