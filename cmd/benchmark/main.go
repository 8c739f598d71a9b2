// Benchmark tool for testing Kestrel against labeled AML transaction data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/transactions.csv -url http://localhost:8080
//
// Expected CSV columns (header required, case-insensitive):
//   customer_id, jurisdiction, channel, amount, currency,
//   counterparty_id, counterparty_jurisdiction, is_suspicious
//
// The tool sends each row to POST /analyze, treats REVIEW and ALERT
// dispositions as positives, and reports precision, recall, F1, and the
// confusion matrix against the is_suspicious labels.
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
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabeledTransaction is one row of the benchmark dataset.
type LabeledTransaction struct {
	CustomerID               string
	Jurisdiction             string
	Channel                  string
	Amount                   float64
	Currency                 string
	CounterpartyID           string
	CounterpartyJurisdiction string
	IsSuspicious             bool
}

// AnalyzeRequest matches Kestrel's POST /analyze payload.
type AnalyzeRequest struct {
	CustomerID   string       `json:"customerId"`
	Jurisdiction string       `json:"jurisdiction"`
	Channel      string       `json:"channel"`
	Amount       Amount       `json:"amount"`
	Counterparty Counterparty `json:"counterparty"`
}

type Amount struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
}

type Counterparty struct {
	ID           string `json:"id"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

// AnalyzeResponse is the subset of the response the benchmark needs.
type AnalyzeResponse struct {
	AssessmentID string   `json:"assessmentId"`
	Score        float64  `json:"score"`
	Severity     string   `json:"severity"`
	AlertLevel   string   `json:"alertLevel"`
	Reasons      []string `json:"reasons"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalProcessed  int64
	TotalSuspicious int64
	TotalClean      int64
	TotalErrors     int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labeled transaction CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	alertOnly := flag.Bool("alert-only", false, "Count only ALERT as a positive (exclude REVIEW)")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/transactions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("KESTREL BENCHMARK - labeled AML transaction replay")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Alert Only:  %v\n", *alertOnly)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	fmt.Printf("\nReading labeled data from %s...\n", *csvPath)
	transactions, err := readCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions\n", len(transactions))

	suspicious := 0
	for _, tx := range transactions {
		if tx.IsSuspicious {
			suspicious++
		}
	}
	fmt.Printf("  - Suspicious: %d (%.2f%%)\n", suspicious, 100*float64(suspicious)/float64(len(transactions)))
	fmt.Printf("  - Clean:      %d (%.2f%%)\n", len(transactions)-suspicious, 100*float64(len(transactions)-suspicious)/float64(len(transactions)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(transactions, *baseURL, *tenantID, *workers, *alertOnly, *verbose)
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

func readCSV(path string, limit int) ([]LabeledTransaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}

	required := []string{"customer_id", "amount", "currency", "is_suspicious"}
	for _, col := range required {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing required column %q", col)
		}
	}

	get := func(record []string, col string) string {
		i, ok := colIndex[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var transactions []LabeledTransaction
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, err := strconv.ParseFloat(get(record, "amount"), 64)
		if err != nil {
			continue
		}

		transactions = append(transactions, LabeledTransaction{
			CustomerID:               get(record, "customer_id"),
			Jurisdiction:             get(record, "jurisdiction"),
			Channel:                  get(record, "channel"),
			Amount:                   amount,
			Currency:                 get(record, "currency"),
			CounterpartyID:           get(record, "counterparty_id"),
			CounterpartyJurisdiction: get(record, "counterparty_jurisdiction"),
			IsSuspicious:             get(record, "is_suspicious") == "1",
		})

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

func runBenchmark(transactions []LabeledTransaction, baseURL, tenantID string, numWorkers int, alertOnly, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabeledTransaction, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				result, err := analyzeTransaction(client, baseURL, tenantID, tx)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.CustomerID, err)
					}
					continue
				}

				if tx.IsSuspicious {
					atomic.AddInt64(&metrics.TotalSuspicious, 1)
				} else {
					atomic.AddInt64(&metrics.TotalClean, 1)
				}

				predicted := result.AlertLevel == "ALERT"
				if !alertOnly {
					predicted = predicted || result.AlertLevel == "REVIEW"
				}
				actual := tx.IsSuspicious

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

				if verbose {
					status := "ok  "
					if (predicted && !actual) || (!predicted && actual) {
						status = "miss"
					}
					fmt.Printf("%s %-16s | %-4s %12.2f | suspicious: %-5v | kestrel: %-6s (%.1f)\n",
						status, tx.CustomerID, tx.Currency, tx.Amount, tx.IsSuspicious, result.AlertLevel, result.Score)
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx
	}
	close(work)

	wg.Wait()
	return metrics
}

func analyzeTransaction(client *http.Client, baseURL, tenantID string, tx LabeledTransaction) (*AnalyzeResponse, error) {
	req := AnalyzeRequest{
		CustomerID:   tx.CustomerID,
		Jurisdiction: tx.Jurisdiction,
		Channel:      tx.Channel,
		Amount: Amount{
			Value:    tx.Amount,
			Currency: tx.Currency,
		},
		Counterparty: Counterparty{
			ID:           tx.CounterpartyID,
			Jurisdiction: tx.CounterpartyJurisdiction,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result AnalyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Suspicious:       %d\n", m.TotalSuspicious)
	fmt.Printf("   Clean:            %d\n", m.TotalClean)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Printf("   TP: %-8d FN: %-8d\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("   FP: %-8d TN: %-8d\n", m.FalsePositives, m.TrueNegatives)

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

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	if m.TotalSuspicious > 0 {
		missRate := float64(m.FalseNegatives) / float64(m.TotalSuspicious) * 100
		fmt.Printf("   Missed:     %d / %d (%.2f%%)\n", m.FalseNegatives, m.TotalSuspicious, missRate)
	}
	if m.TotalClean > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalClean) * 100
		fmt.Printf("   False Alarms: %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalClean, falseAlarmRate)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Println()
}
