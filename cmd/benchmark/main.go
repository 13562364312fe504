// Benchmark tool for measuring achscore against labelled ACH data.
//
// Usage:
//   go run ./cmd/benchmark -csv /path/to/ach_transactions.csv -url http://localhost:8080
//
// This tool:
//   1. Reads an ACH transaction CSV carrying a fraud label column
//   2. Splits it into batches and posts each batch to POST /score
//   3. Compares each risk_score against the threshold and the label
//   4. Calculates precision, recall, F1-score, and confusion matrix
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Batch is a slice of CSV rows sent in one request.
type Batch struct {
	Header []string
	Rows   [][]string
}

// ScoredTransaction is the subset of the /score response the benchmark reads.
type ScoredTransaction struct {
	TransactionID string            `json:"transaction_id"`
	RiskScore     int               `json:"risk_score"`
	Attributes    map[string]string `json:"attributes"`
}

// ScoreResponse is the achscore /score response format.
type ScoreResponse struct {
	RunID  string              `json:"run_id"`
	Scored []ScoredTransaction `json:"scored_transactions"`
	Alerts []struct {
		TransactionID string `json:"transaction_id"`
		RuleName      string `json:"rule_name"`
	} `json:"alerts"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud pattern with score >= threshold
	FalsePositives int64 // Clean transaction with score >= threshold
	TrueNegatives  int64 // Clean transaction below threshold
	FalseNegatives int64 // Fraud pattern below threshold (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64
	TotalBatches   int64

	ProcessingTimeMs int64

	mu       sync.Mutex
	ruleHits map[string]int
}

func (m *Metrics) addRuleHit(rule string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ruleHits[rule]++
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to a labelled ACH transaction CSV")
	baseURL := flag.String("url", "http://localhost:8080", "achscore base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	label := flag.String("label", "is_fraud_pattern", "Label column; 1 or true marks fraud")
	threshold := flag.Int("threshold", 1, "Minimum risk_score counted as an alert")
	batchSize := flag.Int("batch", 1000, "Transactions per /score request")
	limit := flag.Int("limit", 0, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 4, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each misclassified transaction")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/ach_transactions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("ACHSCORE BENCHMARK - labelled ACH fraud patterns")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("URL:         %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Label:       %s\n", *label)
	fmt.Printf("Threshold:   %d\n", *threshold)
	fmt.Printf("Batch Size:  %d\n", *batchSize)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: achscore not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure achscore is running:")
		fmt.Println("  go run ./cmd/achscore serve")
		os.Exit(1)
	}
	fmt.Println("✓ achscore is healthy")

	fmt.Printf("\nReading transactions from %s...\n", *csvPath)
	batches, total, err := readBatches(*csvPath, *label, *batchSize, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d transactions in %d batches\n", total, len(batches))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(batches, *baseURL, *tenantID, *label, *threshold, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readBatches(path, label string, batchSize, limit int) ([]Batch, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}
	found := false
	for _, col := range header {
		if col == label {
			found = true
			break
		}
	}
	if !found {
		return nil, 0, fmt.Errorf("label column %q not found", label)
	}
	if batchSize <= 0 {
		batchSize = 1000
	}

	var batches []Batch
	current := Batch{Header: header}
	total := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("row %d: %w", total+1, err)
		}

		current.Rows = append(current.Rows, record)
		total++
		if len(current.Rows) == batchSize {
			batches = append(batches, current)
			current = Batch{Header: header}
		}
		if limit > 0 && total >= limit {
			break
		}
	}
	if len(current.Rows) > 0 {
		batches = append(batches, current)
	}

	return batches, total, nil
}

func runBenchmark(batches []Batch, baseURL, tenantID, label string, threshold, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{ruleHits: make(map[string]int)}

	work := make(chan Batch, numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 2 * time.Minute}

			for batch := range work {
				start := time.Now()
				result, err := scoreBatch(client, baseURL, tenantID, batch)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalBatches, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					fmt.Printf("ERROR: batch of %d -> %v\n", len(batch.Rows), err)
					continue
				}

				for _, a := range result.Alerts {
					metrics.addRuleHit(a.RuleName)
				}

				for _, st := range result.Scored {
					atomic.AddInt64(&metrics.TotalProcessed, 1)

					actual := isFraud(st.Attributes[label])
					if actual {
						atomic.AddInt64(&metrics.TotalFraud, 1)
					} else {
						atomic.AddInt64(&metrics.TotalNonFraud, 1)
					}

					predicted := st.RiskScore >= threshold
					switch {
					case predicted && actual:
						atomic.AddInt64(&metrics.TruePositives, 1)
					case predicted && !actual:
						atomic.AddInt64(&metrics.FalsePositives, 1)
					case !predicted && !actual:
						atomic.AddInt64(&metrics.TrueNegatives, 1)
					default:
						atomic.AddInt64(&metrics.FalseNegatives, 1)
					}

					if verbose && predicted != actual {
						fmt.Printf("✗ %-12s | Fraud: %-5v | risk_score: %d\n", st.TransactionID, actual, st.RiskScore)
					}
				}
			}
		}()
	}

	for _, batch := range batches {
		work <- batch
	}
	close(work)

	wg.Wait()

	return metrics
}

func isFraud(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func scoreBatch(client *http.Client, baseURL, tenantID string, batch Batch) (*ScoreResponse, error) {
	var body bytes.Buffer
	w := csv.NewWriter(&body)
	if err := w.Write(batch.Header); err != nil {
		return nil, err
	}
	if err := w.WriteAll(batch.Rows); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/score", &body)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "text/csv")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Batch Errors:     %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   ALERT       CLEAN")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of alerts, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	if len(m.ruleHits) > 0 {
		fmt.Printf("\n🔍 RULE HITS\n")
		names := make([]string, 0, len(m.ruleHits))
		for name := range m.ruleHits {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("   %-32s %d\n", name, m.ruleHits[name])
		}
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalBatches > 0 && m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalBatches)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Batch Latency: %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:        %.2f tx/sec\n", tps)
	}

	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most fraud patterns")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some fraud patterns")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant fraud being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most fraud is being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - alerts are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false alarms")
	}

	fmt.Println()
}
