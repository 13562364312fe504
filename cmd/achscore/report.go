package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/opensource-finance/achscore/internal/export"
	"github.com/opensource-finance/achscore/internal/report"
)

func runReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	minScore := fs.Int("min-score", 0, "only include transactions with at least this risk score")
	speeds := fs.String("funding-speed", "", "comma separated funding speeds to include")
	codes := fs.String("return-code", "", `comma separated return codes to include ("none" for no return)`)
	threshold := fs.Int("threshold", 0, "high-risk threshold (default scoring.high_risk_threshold)")
	top := fs.Int("top", 10, "rows in the top users and shared devices tables")
	minUsers := fs.Int("min-users", 0, "distinct users for a shared device (default rules.shared_device.min_users)")
	cfg, err := loadConfig(fs, args, os.Stderr)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("report expects exactly one scored CSV, got %d", fs.NArg())
	}
	if *threshold <= 0 {
		*threshold = cfg.Scoring.HighRiskThreshold
	}
	if *minUsers <= 0 {
		*minUsers = cfg.Rules.SharedDevice.MinUsers
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", fs.Arg(0), err)
	}
	defer f.Close()

	scored, _, err := export.ReadScoredCSV(f)
	if err != nil {
		return err
	}

	filter := report.Filter{MinScore: *minScore}
	for _, s := range splitList(*speeds) {
		filter.FundingSpeeds = append(filter.FundingSpeeds, domain.FundingSpeed(strings.ToLower(s)))
	}
	for _, c := range splitList(*codes) {
		if strings.EqualFold(c, report.NoReturn) {
			filter.ReturnCodes = append(filter.ReturnCodes, report.NoReturn)
			continue
		}
		filter.ReturnCodes = append(filter.ReturnCodes, strings.ToUpper(c))
	}
	view := filter.Apply(scored)

	sum := report.Summarize(view, *threshold)
	fmt.Println(titleStyle.Render("ACH risk summary"))
	fmt.Println(mutedStyle.Render(fmt.Sprintf("%d of %d transactions match the filters", len(view), len(scored))))
	fmt.Println(renderTable([]string{"metric", "value"}, [][]string{
		{"transactions", strconv.Itoa(sum.Transactions)},
		{"total amount (USD)", sum.TotalAmount.StringFixed(2)},
		{"return rate", percent(sum.ReturnRate)},
		{fmt.Sprintf("high risk (score >= %d)", sum.HighRiskThreshold), strconv.Itoa(sum.HighRisk)},
		{"high risk rate", percent(sum.HighRiskRate)},
		{"flagged (score > 0)", strconv.Itoa(sum.Flagged)},
	}, nil))

	fmt.Println(titleStyle.Render("Risk score distribution"))
	fmt.Println(renderTable([]string{"risk_score", "transactions"}, countRows(report.ScoreDistribution(view)), nil))

	fmt.Println(titleStyle.Render("Return codes"))
	fmt.Println(renderTable([]string{"return_code", "transactions"}, countRows(report.ReturnCodeDistribution(view)), nil))

	users := report.TopUsers(view, *top)
	userRows := make([][]string, 0, len(users))
	for _, u := range users {
		userRows = append(userRows, []string{u.UserID, strconv.Itoa(u.TotalScore), strconv.Itoa(u.Transactions), strconv.Itoa(u.Flagged)})
	}
	fmt.Println(titleStyle.Render("Top users by total risk score"))
	fmt.Println(renderTable([]string{"user_id", "total_score", "transactions", "flagged"}, userRows, nil))

	devices := report.SharedDevices(view, *minUsers, *top)
	deviceRows := make([][]string, 0, len(devices))
	for _, d := range devices {
		deviceRows = append(deviceRows, []string{d.DeviceID, strconv.Itoa(d.Users), strconv.Itoa(d.Transactions)})
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("Devices shared by %d or more users", *minUsers)))
	fmt.Println(renderTable([]string{"device_id", "users", "transactions"}, deviceRows, func(int) bool { return true }))
	return nil
}

func countRows(counts []report.Count) [][]string {
	rows := make([][]string, 0, len(counts))
	for _, c := range counts {
		rows = append(rows, []string{c.Key, strconv.Itoa(c.Count)})
	}
	return rows
}

func percent(f float64) string {
	return strconv.FormatFloat(f*100, 'f', 1, 64) + "%"
}
