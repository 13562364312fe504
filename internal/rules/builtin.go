package rules

import (
	"context"
	"slices"

	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/opensource-finance/achscore/internal/store"
	"github.com/shopspring/decimal"
)

// HighInstantACH flags instant-funded transfers above an amount threshold on
// accounts younger than an age threshold.
type HighInstantACH struct {
	MaxAccountAgeDays int
	MinAmount         decimal.Decimal
}

// NewHighInstantACH builds the rule from its configuration.
func NewHighInstantACH(cfg domain.HighInstantACHConfig) *HighInstantACH {
	return &HighInstantACH{MaxAccountAgeDays: cfg.MaxAccountAgeDays, MinAmount: cfg.MinAmount}
}

func (r *HighInstantACH) Name() string          { return domain.RuleHighInstantACHForNewUsers }
func (r *HighInstantACH) Kind() domain.RuleKind { return domain.RuleKindBuiltin }

func (r *HighInstantACH) RequiredFields() []string {
	return []string{domain.FieldFundingSpeed, domain.FieldAccountAgeDays, domain.FieldAmount}
}

func (r *HighInstantACH) Evaluate(_ context.Context, s *store.Store) ([]domain.Alert, error) {
	return Flag(s, r.Name(), func(tx *domain.Transaction) bool {
		return tx.FundingSpeed == domain.FundingInstant &&
			tx.AccountAgeDays < r.MaxAccountAgeDays &&
			tx.Amount.GreaterThan(r.MinAmount)
	}), nil
}

// RapidReturns flags transfers returned quickly with a high-risk return code.
// Transactions without a return never match.
type RapidReturns struct {
	MaxDaysToReturn int
	ReturnCodes     []domain.ReturnCode
}

// NewRapidReturns builds the rule from its configuration.
func NewRapidReturns(cfg domain.RapidReturnsConfig) *RapidReturns {
	return &RapidReturns{MaxDaysToReturn: cfg.MaxDaysToReturn, ReturnCodes: slices.Clone(cfg.ReturnCodes)}
}

func (r *RapidReturns) Name() string          { return domain.RuleRapidHighRiskReturns }
func (r *RapidReturns) Kind() domain.RuleKind { return domain.RuleKindBuiltin }

func (r *RapidReturns) RequiredFields() []string {
	return []string{domain.FieldReturned, domain.FieldDaysToReturn, domain.FieldReturnCode}
}

func (r *RapidReturns) Evaluate(_ context.Context, s *store.Store) ([]domain.Alert, error) {
	return Flag(s, r.Name(), func(tx *domain.Transaction) bool {
		if !tx.Returned || tx.DaysToReturn == nil || tx.ReturnCode == nil {
			return false
		}
		return *tx.DaysToReturn <= r.MaxDaysToReturn && slices.Contains(r.ReturnCodes, *tx.ReturnCode)
	}), nil
}

// SharedDevice flags every transaction made on a device used by at least
// MinUsers distinct users across the store. Transactions without a device are
// never flagged.
type SharedDevice struct {
	MinUsers int
}

// NewSharedDevice builds the rule from its configuration.
func NewSharedDevice(cfg domain.SharedDeviceConfig) *SharedDevice {
	return &SharedDevice{MinUsers: cfg.MinUsers}
}

func (r *SharedDevice) Name() string          { return domain.RuleDeviceSharedByManyUsers }
func (r *SharedDevice) Kind() domain.RuleKind { return domain.RuleKindBuiltin }

func (r *SharedDevice) RequiredFields() []string {
	return []string{domain.FieldDeviceID, domain.FieldUserID}
}

func (r *SharedDevice) Evaluate(_ context.Context, s *store.Store) ([]domain.Alert, error) {
	users := DeviceUsers(s)
	return Flag(s, r.Name(), func(tx *domain.Transaction) bool {
		return tx.DeviceID != "" && users[tx.DeviceID] >= r.MinUsers
	}), nil
}

// DeviceUsers counts distinct users per device in a single pass. Blank user
// IDs are not counted.
func DeviceUsers(s *store.Store) map[string]int {
	seen := make(map[string]map[string]struct{})
	for i := 0; i < s.Len(); i++ {
		tx := s.At(i)
		if tx.DeviceID == "" {
			continue
		}
		u, ok := seen[tx.DeviceID]
		if !ok {
			u = make(map[string]struct{})
			seen[tx.DeviceID] = u
		}
		if tx.UserID != "" {
			u[tx.UserID] = struct{}{}
		}
	}

	counts := make(map[string]int, len(seen))
	for device, u := range seen {
		counts[device] = len(u)
	}
	return counts
}

// Builtins returns the enabled built-in rules in their standard order.
func Builtins(cfg domain.RulesConfig) []Rule {
	var out []Rule
	if cfg.HighInstantACH.Enabled {
		out = append(out, NewHighInstantACH(cfg.HighInstantACH))
	}
	if cfg.RapidReturns.Enabled {
		out = append(out, NewRapidReturns(cfg.RapidReturns))
	}
	if cfg.SharedDevice.Enabled {
		out = append(out, NewSharedDevice(cfg.SharedDevice))
	}
	return out
}
