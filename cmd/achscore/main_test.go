package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opensource-finance/achscore/internal/domain"
)

const inputCSV = `transaction_id,user_id,timestamp_utc,direction,amount_usd,ach_type,funding_speed,device_id,ip_country,return_code,returned,days_to_return,account_age_days,is_fraud_pattern
T1,u1,2024-05-01T12:00:00Z,debit,900,pull,instant,d1,US,R01,true,1,3,1
T2,u2,2024-05-01T13:00:00Z,debit,120.50,pull,standard,d2,US,,false,,400,0
`

func TestScoreAndReport(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "ach_transactions.csv")
	out := filepath.Join(dir, "scored.csv")
	alerts := filepath.Join(dir, "alerts.csv")

	if err := os.WriteFile(in, []byte(inputCSV), 0o600); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	if err := runScore([]string{"-out", out, "-alerts", alerts, "-sample", "1", in}); err != nil {
		t.Fatalf("score failed: %v", err)
	}

	scored, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("failed to read scored output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(scored)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines", len(lines))
	}
	if !strings.HasSuffix(lines[0], "is_fraud_pattern,risk_score") {
		t.Errorf("expected attributes then risk_score in header, got %s", lines[0])
	}
	if !strings.HasSuffix(lines[1], ",1,2") {
		t.Errorf("expected T1 to keep its label and score 2, got %s", lines[1])
	}

	trail, err := os.ReadFile(alerts)
	if err != nil {
		t.Fatalf("failed to read alerts output: %v", err)
	}
	want := "transaction_id,rule_name\nT1,high_instant_ach_for_new_users\nT1,rapid_high_risk_returns\n"
	if string(trail) != want {
		t.Errorf("unexpected alert trail:\n%s", trail)
	}

	if err := runReport([]string{"-min-score", "1", out}); err != nil {
		t.Fatalf("report failed: %v", err)
	}
}

func TestScoreRequiresInput(t *testing.T) {
	if err := runScore(nil); err == nil {
		t.Error("expected error without an input file")
	}
}

func TestSampleRows(t *testing.T) {
	rows := sampleRows(nil, 10)
	if len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}

	scored := []domain.ScoredTransaction{
		{Transaction: domain.Transaction{TransactionID: "T1"}, RiskScore: 1},
		{Transaction: domain.Transaction{TransactionID: "T2"}},
	}
	tests := []struct {
		n    int
		want int
	}{
		{n: -1, want: 0},
		{n: 0, want: 0},
		{n: 1, want: 1},
		{n: 5, want: 2},
	}
	for _, tt := range tests {
		if got := sampleRows(scored, tt.n); len(got) != tt.want {
			t.Errorf("sampleRows(n=%d): expected %d rows, got %d", tt.n, tt.want, len(got))
		}
	}
}

func TestScoreNegativeSample(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "ach_transactions.csv")
	if err := os.WriteFile(in, []byte(inputCSV), 0o600); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	args := []string{
		"-out", filepath.Join(dir, "scored.csv"),
		"-alerts", filepath.Join(dir, "alerts.csv"),
		"-sample", "-1",
		in,
	}
	if err := runScore(args); err != nil {
		t.Fatalf("score failed: %v", err)
	}
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"key", "count"}, [][]string{{"R01", "3"}}, nil)
	if !strings.Contains(out, "R01") || !strings.Contains(out, "count") {
		t.Errorf("expected header and row in table, got:\n%s", out)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" acme, ,globex ,")
	if len(got) != 2 || got[0] != "acme" || got[1] != "globex" {
		t.Errorf("unexpected split: %v", got)
	}
}
