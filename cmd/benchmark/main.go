package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	accounts    int
	admin       string
	topUp       uint64
	amount      uint64
)

// Metrics
var (
	totalRequests uint64
	lifecycles    uint64 // escrows driven to completed
	success2xx    uint64
	replays       uint64 // idempotent replays
	fail409       uint64 // conflicts
	fail422       uint64 // guard and custody rejections
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&accounts, "accounts", 1000, "Number of seeded bench-<n> wallets")
	flag.StringVar(&admin, "admin", "", "Administrator account; when set, wallets are topped up over HTTP first")
	flag.Uint64Var(&topUp, "topup", 1_000_000, "Deposit per wallet when -admin is set")
	flag.Uint64Var(&amount, "amount", 100, "Escrow amount per lifecycle")
}

func main() {
	flag.Parse()
	slog.Info("starting benchmark", "workload", workload, "workers", concurrency, "duration", duration)

	client := &http.Client{Timeout: 5 * time.Second}
	if admin != "" {
		for i := 1; i <= accounts; i++ {
			body, _ := json.Marshal(map[string]interface{}{"currency": map[string]string{"kind": "native"}, "amount": topUp})
			if _, err := post(client, fmt.Sprintf("/api/v1/wallets/%s/deposits", account(i)), admin, "", body); err != nil {
				slog.Error("top up failed", "account", account(i), "error", err)
				os.Exit(1)
			}
		}
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, i)
	}

	wg.Wait()
	printResults(time.Since(start))
}

// worker drives create → fund → submit → approve loops until the deadline.
func worker(wg *sync.WaitGroup, start time.Time, id int) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for n := 0; time.Since(start) < duration; n++ {
		clientAcct, freelancer := generateAccounts()
		key := fmt.Sprintf("bench-%d-%d-%d", id, n, time.Now().UnixNano())

		body, _ := json.Marshal(map[string]interface{}{
			"freelancer":  freelancer,
			"amount":      amount,
			"currency":    map[string]string{"kind": "native"},
			"deadline":    time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			"description": "benchmark lifecycle",
		})
		resp, err := post(client, "/api/v1/escrows", clientAcct, key+"-create", body)
		if err != nil || resp.StatusCode != http.StatusCreated {
			continue
		}
		var created struct {
			ID uint64 `json:"id"`
		}
		if err := json.Unmarshal(resp.body, &created); err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		base := fmt.Sprintf("/api/v1/escrows/%d", created.ID)
		steps := []struct {
			path, caller string
			body         []byte
		}{
			{base + "/fund", clientAcct, nil},
			{base + "/submit", freelancer, []byte(`{"delivery_reference":"bench"}`)},
			{base + "/approve", clientAcct, nil},
		}
		ok := true
		for i, s := range steps {
			resp, err := post(client, s.path, s.caller, fmt.Sprintf("%s-%d", key, i), s.body)
			if err != nil || resp.StatusCode != http.StatusOK {
				ok = false
				break
			}
		}
		if ok {
			atomic.AddUint64(&lifecycles, 1)
		}
	}
}

type response struct {
	StatusCode int
	body       []byte
}

func post(client *http.Client, path, caller, key string, body []byte) (*response, error) {
	req, _ := http.NewRequest(http.MethodPost, targetURL+path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Account-ID", caller)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)

	atomic.AddUint64(&totalRequests, 1)
	switch {
	case resp.Header.Get("Idempotent-Replayed") == "true":
		atomic.AddUint64(&replays, 1)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		atomic.AddUint64(&success2xx, 1)
	case resp.StatusCode == http.StatusConflict:
		atomic.AddUint64(&fail409, 1)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		atomic.AddUint64(&fail422, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
	return &response{StatusCode: resp.StatusCode, body: buf.Bytes()}, nil
}

func account(i int) string { return fmt.Sprintf("bench-%04d", i) }

func generateAccounts() (string, string) {
	if workload == "hotspot" {
		// Hotspot: 90% of escrows are funded by wallets 1 and 2
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return account(1), account(2)
			}
			return account(2), account(1)
		}
	}

	// Uniform Random
	a := rand.Intn(accounts) + 1
	b := rand.Intn(accounts) + 1
	for a == b {
		b = rand.Intn(accounts) + 1
	}
	return account(a), account(b)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	done := atomic.LoadUint64(&lifecycles)
	f409 := atomic.LoadUint64(&fail409)

	var abortRate float64
	if total > 0 {
		abortRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":           workload,
		"duration_sec":       d.Seconds(),
		"total_requests":     total,
		"throughput_rps":     float64(total) / d.Seconds(),
		"lifecycles":         done,
		"lifecycles_per_sec": float64(done) / d.Seconds(),
		"success":            atomic.LoadUint64(&success2xx),
		"replays":            atomic.LoadUint64(&replays),
		"aborts_conflict":    f409,
		"abort_rate_pct":     abortRate,
		"rejected":           atomic.LoadUint64(&fail422),
		"errors":             atomic.LoadUint64(&failOther),
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		slog.Error("write results", "error", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
