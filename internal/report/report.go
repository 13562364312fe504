// Package report computes analyst views over scoring output: summary KPIs,
// filters and top-N tables.
package report

import (
	"cmp"
	"slices"
	"strconv"

	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/shopspring/decimal"
)

// NoReturn is the return code bucket for transactions without a return.
const NoReturn = "none"

// Summary holds headline figures for a set of scored transactions.
type Summary struct {
	Transactions      int             `json:"transactions"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	Returned          int             `json:"returned"`
	ReturnRate        float64         `json:"return_rate"`
	HighRisk          int             `json:"high_risk"`
	HighRiskRate      float64         `json:"high_risk_rate"`
	HighRiskThreshold int             `json:"high_risk_threshold"`
	Flagged           int             `json:"flagged"`
}

// Summarize computes KPIs. A transaction is high risk when its score is at
// least threshold.
func Summarize(scored []domain.ScoredTransaction, threshold int) Summary {
	sum := Summary{Transactions: len(scored), HighRiskThreshold: threshold, TotalAmount: decimal.Zero}
	for _, st := range scored {
		sum.TotalAmount = sum.TotalAmount.Add(st.Amount)
		if st.Returned {
			sum.Returned++
		}
		if st.RiskScore >= threshold {
			sum.HighRisk++
		}
		if st.RiskScore > 0 {
			sum.Flagged++
		}
	}
	if n := len(scored); n > 0 {
		sum.ReturnRate = float64(sum.Returned) / float64(n)
		sum.HighRiskRate = float64(sum.HighRisk) / float64(n)
	}
	return sum
}

// Filter selects scored transactions. Empty sets match everything.
type Filter struct {
	MinScore      int
	FundingSpeeds []domain.FundingSpeed
	// ReturnCodes may contain NoReturn to select transactions without a return.
	ReturnCodes []string
}

// Match reports whether st passes the filter.
func (f Filter) Match(st *domain.ScoredTransaction) bool {
	if st.RiskScore < f.MinScore {
		return false
	}
	if len(f.FundingSpeeds) > 0 && !slices.Contains(f.FundingSpeeds, st.FundingSpeed) {
		return false
	}
	if len(f.ReturnCodes) > 0 && !slices.Contains(f.ReturnCodes, ReturnBucket(st)) {
		return false
	}
	return true
}

// Apply returns the matching transactions in input order.
func (f Filter) Apply(scored []domain.ScoredTransaction) []domain.ScoredTransaction {
	var out []domain.ScoredTransaction
	for i := range scored {
		if f.Match(&scored[i]) {
			out = append(out, scored[i])
		}
	}
	return out
}

// ReturnBucket is the return code of st, or NoReturn.
func ReturnBucket(st *domain.ScoredTransaction) string {
	if st.ReturnCode == nil {
		return NoReturn
	}
	return string(*st.ReturnCode)
}

// Count is a labelled tally.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// ScoreDistribution counts transactions per risk score, lowest score first.
func ScoreDistribution(scored []domain.ScoredTransaction) []Count {
	byScore := make(map[int]int)
	for _, st := range scored {
		byScore[st.RiskScore]++
	}
	scores := make([]int, 0, len(byScore))
	for s := range byScore {
		scores = append(scores, s)
	}
	slices.Sort(scores)

	out := make([]Count, len(scores))
	for i, s := range scores {
		out[i] = Count{Key: strconv.Itoa(s), Count: byScore[s]}
	}
	return out
}

// ReturnCodeDistribution counts transactions per return bucket, most common
// first.
func ReturnCodeDistribution(scored []domain.ScoredTransaction) []Count {
	counts := make(map[string]int)
	for i := range scored {
		counts[ReturnBucket(&scored[i])]++
	}
	return sortedCounts(counts)
}

// UserRisk aggregates scores per user.
type UserRisk struct {
	UserID       string `json:"user_id"`
	TotalScore   int    `json:"total_score"`
	Transactions int    `json:"transactions"`
	Flagged      int    `json:"flagged"`
}

// TopUsers ranks users by summed risk score. Users with a zero total are
// left out. n <= 0 returns all.
func TopUsers(scored []domain.ScoredTransaction, n int) []UserRisk {
	byUser := make(map[string]*UserRisk)
	for _, st := range scored {
		u, ok := byUser[st.UserID]
		if !ok {
			u = &UserRisk{UserID: st.UserID}
			byUser[st.UserID] = u
		}
		u.TotalScore += st.RiskScore
		u.Transactions++
		if st.RiskScore > 0 {
			u.Flagged++
		}
	}

	out := make([]UserRisk, 0, len(byUser))
	for _, u := range byUser {
		if u.TotalScore > 0 {
			out = append(out, *u)
		}
	}
	slices.SortFunc(out, func(a, b UserRisk) int {
		if c := cmp.Compare(b.TotalScore, a.TotalScore); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	return head(out, n)
}

// DeviceUsage is the number of distinct users seen on a device.
type DeviceUsage struct {
	DeviceID     string `json:"device_id"`
	Users        int    `json:"users"`
	Transactions int    `json:"transactions"`
}

// SharedDevices lists devices used by at least minUsers distinct users,
// busiest first. n <= 0 returns all.
func SharedDevices(scored []domain.ScoredTransaction, minUsers, n int) []DeviceUsage {
	users := make(map[string]map[string]struct{})
	txs := make(map[string]int)
	for _, st := range scored {
		if st.DeviceID == "" {
			continue
		}
		if users[st.DeviceID] == nil {
			users[st.DeviceID] = make(map[string]struct{})
		}
		if st.UserID != "" {
			users[st.DeviceID][st.UserID] = struct{}{}
		}
		txs[st.DeviceID]++
	}

	var out []DeviceUsage
	for device, u := range users {
		if len(u) >= minUsers {
			out = append(out, DeviceUsage{DeviceID: device, Users: len(u), Transactions: txs[device]})
		}
	}
	slices.SortFunc(out, func(a, b DeviceUsage) int {
		if c := cmp.Compare(b.Users, a.Users); c != 0 {
			return c
		}
		return cmp.Compare(a.DeviceID, b.DeviceID)
	})
	return head(out, n)
}

// AlertsForTransaction answers why a transaction was flagged.
func AlertsForTransaction(alerts []domain.Alert, transactionID string) []domain.Alert {
	return filterAlerts(alerts, func(a domain.Alert) bool { return a.TransactionID == transactionID })
}

// AlertsForRule lists every hit of one rule.
func AlertsForRule(alerts []domain.Alert, ruleName string) []domain.Alert {
	return filterAlerts(alerts, func(a domain.Alert) bool { return a.RuleName == ruleName })
}

// RuleHitCounts tallies alerts per rule, most frequent first.
func RuleHitCounts(alerts []domain.Alert) []Count {
	counts := make(map[string]int)
	for _, a := range alerts {
		counts[a.RuleName]++
	}
	return sortedCounts(counts)
}

func filterAlerts(alerts []domain.Alert, keep func(domain.Alert) bool) []domain.Alert {
	var out []domain.Alert
	for _, a := range alerts {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func sortedCounts(counts map[string]int) []Count {
	out := make([]Count, 0, len(counts))
	for k, v := range counts {
		out = append(out, Count{Key: k, Count: v})
	}
	slices.SortFunc(out, func(a, b Count) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}

func head[T any](s []T, n int) []T {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}
