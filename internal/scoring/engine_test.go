package scoring

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/opensource-finance/achscore/internal/rules"
	"github.com/opensource-finance/achscore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tx(id, user, device string) domain.Transaction {
	return domain.Transaction{
		TransactionID:  id,
		UserID:         user,
		Timestamp:      time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Direction:      domain.DirectionDebit,
		Amount:         decimal.NewFromInt(50),
		ACHType:        domain.ACHPull,
		FundingSpeed:   domain.FundingStandard,
		DeviceID:       device,
		IPCountry:      "US",
		AccountAgeDays: 400,
	}
}

// allRules returns a transaction that trips every built-in rule.
func allRules(id, user, device string) domain.Transaction {
	t := tx(id, user, device)
	t.FundingSpeed = domain.FundingInstant
	t.AccountAgeDays = 2
	t.Amount = decimal.NewFromInt(900)
	code := domain.ReturnInsufficientFunds
	days := 1
	t.Returned = true
	t.ReturnCode = &code
	t.DaysToReturn = &days
	return t
}

func defaultEngine(t *testing.T) *Engine {
	t.Helper()
	reg, err := rules.NewRegistry(rules.Builtins(domain.DefaultRulesConfig())...)
	require.NoError(t, err)
	return NewEngine(reg, 4)
}

// fixture has one transaction matching all three built-ins, one matching
// none, and a shared device used by five users.
func fixture(t *testing.T) *store.Store {
	t.Helper()
	txs := []domain.Transaction{
		allRules("T-all", "u1", "shared"),
		tx("T-none", "u9", "solo"),
	}
	for i, u := range []string{"u2", "u3", "u4", "u5"} {
		txs = append(txs, tx(fmt.Sprintf("T-dev-%d", i), u, "shared"))
	}
	s, err := store.New(txs)
	require.NoError(t, err)
	return s
}

func alertSet(alerts []domain.Alert) map[domain.Alert]bool {
	m := make(map[domain.Alert]bool, len(alerts))
	for _, a := range alerts {
		m[a] = true
	}
	return m
}

func TestScore(t *testing.T) {
	s := fixture(t)
	res, err := defaultEngine(t).Score(context.Background(), s)
	require.NoError(t, err)

	t.Run("left join keeps every transaction", func(t *testing.T) {
		require.Len(t, res.Scored, s.Len())
		for i, st := range res.Scored {
			assert.Equal(t, s.At(i).TransactionID, st.TransactionID)
			assert.Equal(t, s.At(i), st.Transaction)
		}
	})

	t.Run("risk score equals distinct alerting rules", func(t *testing.T) {
		for _, st := range res.Scored {
			names := map[string]bool{}
			for _, a := range res.Alerts {
				if a.TransactionID == st.TransactionID {
					names[a.RuleName] = true
				}
			}
			assert.Equal(t, len(names), st.RiskScore, st.TransactionID)
		}
	})

	t.Run("all three rules", func(t *testing.T) {
		assert.Equal(t, 3, res.Scored[0].RiskScore)
		assert.Equal(t, []domain.Alert{
			{TransactionID: "T-all", RuleName: domain.RuleHighInstantACHForNewUsers},
			{TransactionID: "T-all", RuleName: domain.RuleRapidHighRiskReturns},
			{TransactionID: "T-all", RuleName: domain.RuleDeviceSharedByManyUsers},
		}, res.Alerts[:3])
	})

	t.Run("no rules", func(t *testing.T) {
		assert.Equal(t, 0, res.Scored[1].RiskScore)
		for _, a := range res.Alerts {
			assert.NotEqual(t, "T-none", a.TransactionID)
		}
	})

	t.Run("metadata", func(t *testing.T) {
		assert.NotEmpty(t, res.RunID)
		assert.Equal(t, 7, res.Metadata.AlertCount)
		assert.Equal(t, 5, res.Metadata.FlaggedCount)
		assert.Equal(t, 5, res.Metadata.RuleHits[domain.RuleDeviceSharedByManyUsers])
		assert.Equal(t, 1, res.Metadata.RuleHits[domain.RuleRapidHighRiskReturns])
		assert.Equal(t, EngineVersion, res.Metadata.EngineVersion)
		assert.Len(t, res.Metadata.Rules, 3)
	})
}

func TestScoreIsIdempotent(t *testing.T) {
	s := fixture(t)
	e := defaultEngine(t)

	first, err := e.Score(context.Background(), s)
	require.NoError(t, err)
	second, err := e.Score(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, first.Scored, second.Scored)
	assert.Equal(t, alertSet(first.Alerts), alertSet(second.Alerts))
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRuleOrderDoesNotChangeAlerts(t *testing.T) {
	s := fixture(t)
	builtins := rules.Builtins(domain.DefaultRulesConfig())

	forward, err := rules.NewRegistry(builtins...)
	require.NoError(t, err)
	reversed := slices.Clone(builtins)
	slices.Reverse(reversed)
	backward, err := rules.NewRegistry(reversed...)
	require.NoError(t, err)

	a, err := NewEngine(forward, 1).Score(context.Background(), s)
	require.NoError(t, err)
	b, err := NewEngine(backward, 3).Score(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, alertSet(a.Alerts), alertSet(b.Alerts))
	assert.Equal(t, a.Scored, b.Scored)
}

func TestEmptyStore(t *testing.T) {
	s, err := store.New(nil)
	require.NoError(t, err)

	res, err := defaultEngine(t).Score(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, res.Scored)
	assert.Empty(t, res.Alerts)
}

func TestEmptyRegistry(t *testing.T) {
	res, err := NewEngine(nil, 0).Score(context.Background(), fixture(t))
	require.NoError(t, err)
	for _, st := range res.Scored {
		assert.Zero(t, st.RiskScore)
	}
	assert.Empty(t, res.Alerts)
}

func TestSchemaError(t *testing.T) {
	s, err := store.NewWithFields(
		[]domain.Transaction{tx("T1", "u1", "d1")},
		[]string{domain.FieldTransactionID, domain.FieldUserID, domain.FieldDeviceID, domain.FieldAmount},
	)
	require.NoError(t, err)

	ran := false
	probe := rules.NewFunc("probe", nil, func(context.Context, *store.Store) ([]domain.Alert, error) {
		ran = true
		return nil, nil
	})
	reg, err := rules.NewRegistry(append(rules.Builtins(domain.DefaultRulesConfig()), probe)...)
	require.NoError(t, err)

	_, err = NewEngine(reg, 2).Score(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSchema)
	assert.False(t, ran, "no rule runs when the schema check fails")

	var se *domain.SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, domain.RuleHighInstantACHForNewUsers, se.Rule)
	assert.Equal(t, domain.FieldFundingSpeed, se.Field)
	assert.Contains(t, err.Error(), domain.RuleRapidHighRiskReturns)
	assert.NotContains(t, err.Error(), domain.RuleDeviceSharedByManyUsers)
}

func TestRuleErrors(t *testing.T) {
	s := fixture(t)
	boom := errors.New("boom")

	tests := []struct {
		name    string
		rule    rules.Rule
		message string
	}{
		{
			name: "returned error",
			rule: rules.NewFunc("failing", nil, func(context.Context, *store.Store) ([]domain.Alert, error) {
				return nil, boom
			}),
			message: "boom",
		},
		{
			name: "panic",
			rule: rules.NewFunc("panicking", nil, func(context.Context, *store.Store) ([]domain.Alert, error) {
				panic("kaboom")
			}),
			message: "kaboom",
		},
		{
			name: "foreign rule name",
			rule: rules.NewFunc("impostor", nil, func(context.Context, *store.Store) ([]domain.Alert, error) {
				return []domain.Alert{{TransactionID: "T-none", RuleName: "someone_else"}}, nil
			}),
			message: "someone_else",
		},
		{
			name: "unknown transaction",
			rule: rules.NewFunc("ghost", nil, func(context.Context, *store.Store) ([]domain.Alert, error) {
				return []domain.Alert{{TransactionID: "T-missing", RuleName: "ghost"}}, nil
			}),
			message: "T-missing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := rules.NewRegistry(append(rules.Builtins(domain.DefaultRulesConfig()), tt.rule)...)
			require.NoError(t, err)

			res, err := NewEngine(reg, 4).Score(context.Background(), s)
			require.Error(t, err)
			assert.Nil(t, res, "partial results must not be returned")
			assert.ErrorIs(t, err, domain.ErrRuleEvaluation)

			var re *domain.RuleError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, tt.rule.Name(), re.Rule)
			assert.Contains(t, err.Error(), tt.message)
		})
	}

	t.Run("underlying cause is preserved", func(t *testing.T) {
		failing := rules.NewFunc("failing", nil, func(context.Context, *store.Store) ([]domain.Alert, error) {
			return nil, boom
		})
		reg, err := rules.NewRegistry(failing)
		require.NoError(t, err)
		_, err = NewEngine(reg, 1).Score(context.Background(), s)
		assert.ErrorIs(t, err, boom)
	})
}

func TestDuplicateAlertsCollapse(t *testing.T) {
	s := fixture(t)
	twice := rules.NewFunc("twice", nil, func(context.Context, *store.Store) ([]domain.Alert, error) {
		a := domain.Alert{TransactionID: "T-none", RuleName: "twice"}
		return []domain.Alert{a, a}, nil
	})
	reg, err := rules.NewRegistry(twice)
	require.NoError(t, err)

	res, err := NewEngine(reg, 1).Score(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []domain.Alert{{TransactionID: "T-none", RuleName: "twice"}}, res.Alerts)
	assert.Equal(t, 1, res.Scored[1].RiskScore)
}

func TestExpressionRuleInRegistry(t *testing.T) {
	c, err := rules.NewCompiler()
	require.NoError(t, err)

	cfg := domain.DefaultRulesConfig()
	custom := []*domain.RuleConfig{{Name: "large_amount", Expression: `tx.amount >= 900.0`, Enabled: true}}
	reg, err := rules.BuildRegistry(cfg, custom, c)
	require.NoError(t, err)

	res, err := NewEngine(reg, 4).Score(context.Background(), fixture(t))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Scored[0].RiskScore)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := defaultEngine(t).Score(ctx, fixture(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSetRegistry(t *testing.T) {
	e := defaultEngine(t)
	reg, err := rules.NewRegistry()
	require.NoError(t, err)
	e.SetRegistry(reg)
	assert.Zero(t, e.Registry().Len())
}
