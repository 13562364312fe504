package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/opensource-finance/achscore/internal/export"
	"github.com/opensource-finance/achscore/internal/rules"
	"github.com/opensource-finance/achscore/internal/scoring"
	"github.com/opensource-finance/achscore/internal/store"
)

const cliTenantID = "cli"

func runScore(args []string) error {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	outPath := fs.String("out", "ach_transactions_scored.csv", "scored transactions CSV")
	alertsPath := fs.String("alerts", "alerts.csv", "alert trail CSV")
	sample := fs.Int("sample", 10, "number of scored rows to print")
	cfg, err := loadConfig(fs, args, os.Stderr)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("score expects exactly one input file, got %d", fs.NArg())
	}

	s, err := store.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d transactions\n", s.Len())

	compiler, err := rules.NewCompiler()
	if err != nil {
		return fmt.Errorf("failed to create rule compiler: %w", err)
	}
	registry, err := rules.BuildRegistry(cfg.Rules, nil, compiler)
	if err != nil {
		return err
	}

	engine := scoring.NewEngine(registry, cfg.Scoring.MaxWorkers)
	res, err := engine.Score(context.Background(), s)
	if err != nil {
		return err
	}
	run := domain.NewRun(cliTenantID, res, cfg.Scoring.HighRiskThreshold)
	slog.Info("scoring run completed",
		"run_id", run.ID,
		"transactions", run.TransactionCount,
		"alerts", run.AlertCount,
		"duration_ms", run.DurationMs,
	)

	fmt.Println(titleStyle.Render("Sample of scored transactions"))
	fmt.Println(renderTable(sampleHeader, sampleRows(res.Scored, *sample), func(row int) bool {
		return res.Scored[row].RiskScore >= cfg.Scoring.HighRiskThreshold
	}))

	if err := writeFile(*outPath, func(w io.Writer) error {
		return export.WriteScoredCSV(w, res.Scored, s.Fields(), s.Attributes())
	}); err != nil {
		return err
	}
	if err := writeFile(*alertsPath, func(w io.Writer) error {
		return export.WriteAlertsCSV(w, res.Alerts)
	}); err != nil {
		return err
	}

	fmt.Printf("\n%d alerts from %d rules, %d high-risk transactions (score >= %d)\n",
		run.AlertCount, len(run.Rules), run.HighRiskCount, run.HighRiskThreshold)
	fmt.Printf("Saved %s and %s\n", *outPath, *alertsPath)
	return nil
}

var sampleHeader = []string{"transaction_id", "user_id", "amount_usd", "funding_speed", "return_code", "risk_score"}

func sampleRows(scored []domain.ScoredTransaction, n int) [][]string {
	n = max(0, min(n, len(scored)))
	rows := make([][]string, 0, n)
	for _, st := range scored[:n] {
		code := ""
		if st.ReturnCode != nil {
			code = string(*st.ReturnCode)
		}
		rows = append(rows, []string{
			st.TransactionID,
			st.UserID,
			st.Amount.StringFixed(2),
			string(st.FundingSpeed),
			code,
			strconv.Itoa(st.RiskScore),
		})
	}
	return rows
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
