package rules

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/opensource-finance/achscore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseTx(id string) domain.Transaction {
	return domain.Transaction{
		TransactionID:  id,
		UserID:         "u-" + id,
		Timestamp:      time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		Direction:      domain.DirectionDebit,
		Amount:         decimal.NewFromInt(100),
		ACHType:        domain.ACHPull,
		FundingSpeed:   domain.FundingStandard,
		DeviceID:       "dev-" + id,
		IPCountry:      "US",
		AccountAgeDays: 365,
	}
}

func returnedTx(id, code string, days int) domain.Transaction {
	tx := baseTx(id)
	rc := domain.ReturnCode(code)
	tx.Returned = true
	tx.ReturnCode = &rc
	tx.DaysToReturn = &days
	return tx
}

func mustStore(t *testing.T, txs ...domain.Transaction) *store.Store {
	t.Helper()
	s, err := store.New(txs)
	require.NoError(t, err)
	return s
}

func flaggedIDs(alerts []domain.Alert) []string {
	ids := make([]string, len(alerts))
	for i, a := range alerts {
		ids[i] = a.TransactionID
	}
	return ids
}

func TestHighInstantACH(t *testing.T) {
	rule := NewHighInstantACH(domain.DefaultRulesConfig().HighInstantACH)

	flagged := baseTx("T1")
	flagged.FundingSpeed = domain.FundingInstant
	flagged.AccountAgeDays = 5
	flagged.Amount = decimal.NewFromInt(600)

	small := flagged
	small.TransactionID = "T2"
	small.Amount = decimal.NewFromInt(400)

	boundary := flagged
	boundary.TransactionID = "T3"
	boundary.Amount = decimal.NewFromInt(500)

	oldAccount := flagged
	oldAccount.TransactionID = "T4"
	oldAccount.AccountAgeDays = 30

	standard := flagged
	standard.TransactionID = "T5"
	standard.FundingSpeed = domain.FundingStandard

	alerts, err := rule.Evaluate(context.Background(), mustStore(t, flagged, small, boundary, oldAccount, standard))
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, flaggedIDs(alerts))
	assert.Equal(t, domain.RuleHighInstantACHForNewUsers, alerts[0].RuleName)
}

func TestHighInstantACHConfigurableThreshold(t *testing.T) {
	rule := NewHighInstantACH(domain.HighInstantACHConfig{MaxAccountAgeDays: 30, MinAmount: decimal.NewFromInt(300)})

	tx := baseTx("T1")
	tx.FundingSpeed = domain.FundingInstant
	tx.AccountAgeDays = 5
	tx.Amount = decimal.NewFromInt(400)

	alerts, err := rule.Evaluate(context.Background(), mustStore(t, tx))
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestRapidReturns(t *testing.T) {
	rule := NewRapidReturns(domain.DefaultRulesConfig().RapidReturns)

	s := mustStore(t,
		returnedTx("T1", "R01", 3),
		returnedTx("T2", "R01", 10),
		returnedTx("T3", "R02", 1),
		returnedTx("T4", "R29", 5),
		baseTx("T5"),
	)

	alerts, err := rule.Evaluate(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []string{"T1", "T4"}, flaggedIDs(alerts))
}

func TestSharedDevice(t *testing.T) {
	var txs []domain.Transaction
	// 6 transactions from 5 distinct users on device_9
	for i, user := range []string{"a", "b", "c", "d", "e", "a"} {
		tx := baseTx(fmt.Sprintf("D9-%d", i))
		tx.UserID = user
		tx.DeviceID = "device_9"
		txs = append(txs, tx)
	}
	for i, user := range []string{"x", "y"} {
		tx := baseTx(fmt.Sprintf("D3-%d", i))
		tx.UserID = user
		tx.DeviceID = "device_3"
		txs = append(txs, tx)
	}

	rule := NewSharedDevice(domain.SharedDeviceConfig{MinUsers: 5})
	alerts, err := rule.Evaluate(context.Background(), mustStore(t, txs...))
	require.NoError(t, err)

	assert.Equal(t, []string{"D9-0", "D9-1", "D9-2", "D9-3", "D9-4", "D9-5"}, flaggedIDs(alerts))
	for _, a := range alerts {
		assert.Equal(t, domain.RuleDeviceSharedByManyUsers, a.RuleName)
	}
}

func TestSharedDeviceIgnoresMissingDevice(t *testing.T) {
	var txs []domain.Transaction
	for i := 0; i < 6; i++ {
		tx := baseTx(fmt.Sprintf("T%d", i))
		tx.DeviceID = ""
		txs = append(txs, tx)
	}
	alerts, err := NewSharedDevice(domain.SharedDeviceConfig{MinUsers: 5}).Evaluate(context.Background(), mustStore(t, txs...))
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestDeviceUsers(t *testing.T) {
	a, b, c := baseTx("1"), baseTx("2"), baseTx("3")
	a.DeviceID, b.DeviceID, c.DeviceID = "d", "d", "d"
	a.UserID, b.UserID, c.UserID = "u1", "u1", "u2"

	assert.Equal(t, map[string]int{"d": 2}, DeviceUsers(mustStore(t, a, b, c)))
}

func TestDeviceUsersSkipsBlankUsers(t *testing.T) {
	var txs []domain.Transaction
	for i, user := range []string{"a", "b", "c", "d", ""} {
		tx := baseTx(fmt.Sprintf("T%d", i))
		tx.UserID = user
		tx.DeviceID = "device_1"
		txs = append(txs, tx)
	}
	blank := baseTx("T9")
	blank.UserID = ""
	blank.DeviceID = "device_2"
	txs = append(txs, blank)

	s := mustStore(t, txs...)
	assert.Equal(t, map[string]int{"device_1": 4, "device_2": 0}, DeviceUsers(s))

	alerts, err := NewSharedDevice(domain.SharedDeviceConfig{MinUsers: 5}).Evaluate(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestBuiltinsAreDeterministic(t *testing.T) {
	s := mustStore(t, returnedTx("T1", "R10", 0), baseTx("T2"))
	for _, r := range Builtins(domain.DefaultRulesConfig()) {
		first, err := r.Evaluate(context.Background(), s)
		require.NoError(t, err)
		second, err := r.Evaluate(context.Background(), s)
		require.NoError(t, err)
		assert.Equal(t, first, second, r.Name())
	}
}

func TestBuiltinsRespectEnabled(t *testing.T) {
	cfg := domain.DefaultRulesConfig()
	cfg.RapidReturns.Enabled = false

	var names []string
	for _, r := range Builtins(cfg) {
		names = append(names, r.Name())
	}
	assert.Equal(t, []string{domain.RuleHighInstantACHForNewUsers, domain.RuleDeviceSharedByManyUsers}, names)
}

func TestExpressionRule(t *testing.T) {
	c, err := NewCompiler()
	require.NoError(t, err)

	t.Run("flags matching transactions", func(t *testing.T) {
		rule, err := c.Compile(&domain.RuleConfig{
			ID:         "r1",
			Name:       "foreign_large_push",
			Expression: `tx.ip_country != "US" && tx.amount > 1000.0 && tx.ach_type == "push"`,
			Enabled:    true,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{domain.FieldAmount, domain.FieldACHType, domain.FieldIPCountry}, rule.RequiredFields())

		hit := baseTx("T1")
		hit.IPCountry = "NG"
		hit.ACHType = domain.ACHPush
		hit.Amount = decimal.NewFromInt(2500)

		alerts, err := rule.Evaluate(context.Background(), mustStore(t, hit, baseTx("T2")))
		require.NoError(t, err)
		assert.Equal(t, []domain.Alert{{TransactionID: "T1", RuleName: "foreign_large_push"}}, alerts)
	})

	t.Run("optional fields via has", func(t *testing.T) {
		rule, err := c.Compile(&domain.RuleConfig{
			Name:       "any_r10",
			Expression: `has(tx.return_code) && tx.return_code == "R10"`,
		})
		require.NoError(t, err)

		alerts, err := rule.Evaluate(context.Background(), mustStore(t, returnedTx("T1", "R10", 9), baseTx("T2")))
		require.NoError(t, err)
		assert.Equal(t, []string{"T1"}, flaggedIDs(alerts))
	})

	t.Run("attributes are visible", func(t *testing.T) {
		rule, err := c.Compile(&domain.RuleConfig{
			Name:       "labelled",
			Expression: `"fraud_pattern_type" in attributes && attributes["fraud_pattern_type"] == "account_farm"`,
		})
		require.NoError(t, err)

		tx := baseTx("T1")
		tx.Attributes = map[string]string{"fraud_pattern_type": "account_farm"}
		alerts, err := rule.Evaluate(context.Background(), mustStore(t, tx, baseTx("T2")))
		require.NoError(t, err)
		assert.Equal(t, []string{"T1"}, flaggedIDs(alerts))
	})

	t.Run("evaluation error fails the rule", func(t *testing.T) {
		rule, err := c.Compile(&domain.RuleConfig{
			Name:       "reads_absent_code",
			Expression: `tx.return_code == "R01"`,
		})
		require.NoError(t, err)

		_, err = rule.Evaluate(context.Background(), mustStore(t, baseTx("T1")))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "T1")
	})

	t.Run("non-bool expression rejected", func(t *testing.T) {
		_, err := c.Compile(&domain.RuleConfig{Name: "n", Expression: `1 + 2`})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must return bool")
	})

	t.Run("syntax error rejected", func(t *testing.T) {
		assert.Error(t, c.Validate(&domain.RuleConfig{Name: "bad", Expression: `tx.amount >`}))
	})

	t.Run("name required", func(t *testing.T) {
		assert.Error(t, c.Validate(&domain.RuleConfig{ID: "x", Expression: `true`}))
	})

	t.Run("declared fields must be schema fields", func(t *testing.T) {
		err := c.Validate(&domain.RuleConfig{Name: "typo", Expression: `true`, Fields: []string{"ammount"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ammount")
	})
}

func TestReferencedFields(t *testing.T) {
	got := ReferencedFields(`tx.amount > 5.0 && tx["device_id"] == "d" && tx.unknown == 1`)
	assert.Equal(t, []string{domain.FieldAmount, domain.FieldDeviceID}, got)
}

func TestRegistry(t *testing.T) {
	noop := func(name string) Rule {
		return NewFunc(name, nil, func(context.Context, *store.Store) ([]domain.Alert, error) { return nil, nil })
	}

	t.Run("preserves order", func(t *testing.T) {
		reg, err := NewRegistry(noop("b"), noop("a"))
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a"}, reg.Names())
		assert.Equal(t, 2, reg.Len())
	})

	t.Run("duplicate names rejected", func(t *testing.T) {
		_, err := NewRegistry(noop("a"), noop("a"))
		assert.Error(t, err)
	})

	t.Run("empty name rejected", func(t *testing.T) {
		_, err := NewRegistry(noop(""))
		assert.Error(t, err)
	})

	t.Run("build from config", func(t *testing.T) {
		c, err := NewCompiler()
		require.NoError(t, err)

		cfg := domain.DefaultRulesConfig()
		cfg.Custom = []domain.RuleConfig{{Name: "static_rule", Expression: `tx.amount > 0.0`, Enabled: true}}
		custom := []*domain.RuleConfig{
			{ID: "db1", Name: "db_rule", Expression: `tx.direction == "credit"`, Enabled: true},
			{ID: "db2", Name: "disabled", Expression: `true`, Enabled: false},
		}

		reg, err := BuildRegistry(cfg, custom, c)
		require.NoError(t, err)
		assert.Equal(t, []string{
			domain.RuleHighInstantACHForNewUsers,
			domain.RuleRapidHighRiskReturns,
			domain.RuleDeviceSharedByManyUsers,
			"static_rule",
			"db_rule",
		}, reg.Names())

		infos := reg.Infos()
		assert.Equal(t, domain.RuleKindBuiltin, infos[0].Kind)
		assert.Equal(t, domain.RuleKindExpression, infos[4].Kind)
		assert.Equal(t, `tx.direction == "credit"`, infos[4].Expression)
		assert.Equal(t, []string{domain.FieldDirection}, infos[4].RequiredFields)
	})

	t.Run("custom rule clashing with builtin", func(t *testing.T) {
		c, err := NewCompiler()
		require.NoError(t, err)
		custom := []*domain.RuleConfig{{Name: domain.RuleRapidHighRiskReturns, Expression: `true`, Enabled: true}}
		_, err = BuildRegistry(domain.DefaultRulesConfig(), custom, c)
		assert.Error(t, err)
	})

	t.Run("load from lister", func(t *testing.T) {
		c, err := NewCompiler()
		require.NoError(t, err)

		lister := ruleLister{"*": {{ID: "db1", Name: "foreign_ip", Expression: `tx.ip_country != "US"`, Enabled: true}}}
		reg, err := LoadRegistry(context.Background(), lister, "*", domain.DefaultRulesConfig(), c)
		require.NoError(t, err)
		assert.Equal(t, 4, reg.Len())
		assert.Equal(t, "foreign_ip", reg.Names()[3])

		reg, err = LoadRegistry(context.Background(), nil, "*", domain.DefaultRulesConfig(), c)
		require.NoError(t, err)
		assert.Equal(t, 3, reg.Len())
	})

	t.Run("load surfaces lister errors", func(t *testing.T) {
		_, err := LoadRegistry(context.Background(), failingLister{}, "*", domain.DefaultRulesConfig(), nil)
		assert.ErrorContains(t, err, "failed to list rule configs")
	})

	t.Run("func rules report custom kind", func(t *testing.T) {
		reg, err := NewRegistry(noop("f"))
		require.NoError(t, err)
		assert.Equal(t, domain.RuleKindCustom, reg.Infos()[0].Kind)
	})
}

type ruleLister map[string][]*domain.RuleConfig

func (l ruleLister) ListRuleConfigs(_ context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	return l[tenantID], nil
}

type failingLister struct{}

func (failingLister) ListRuleConfigs(context.Context, string) ([]*domain.RuleConfig, error) {
	return nil, fmt.Errorf("database is locked")
}
