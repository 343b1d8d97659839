package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netzer/settleops/internal/api"
)

// Config holds the benchmark settings
var (
	targetURL     string
	webhookSecret string
	concurrency   int
	duration      time.Duration
	workload      string
)

// Metrics
var (
	totalRequests uint64
	applied       uint64 // New settlements created
	duplicates    uint64 // Idempotent replays
	rejected      uint64 // 4xx outcomes
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&webhookSecret, "secret", "bench-secret", "Stitch webhook secret")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

type applyResponse struct {
	Outcome string `json:"outcome"`
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		txid, clientID := generateDeposit()

		payload := map[string]interface{}{
			"client_id":       clientID,
			"amount_zar":      "10000.00",
			"amount_credited": "10000.00",
			"stitch_txid":     txid,
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/webhooks/stitch", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(api.HeaderStitchSignature, api.SignBody(webhookSecret, body))

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch {
		case resp.StatusCode == 200:
			var ar applyResponse
			json.NewDecoder(resp.Body).Decode(&ar)
			if ar.Outcome == "rejected-duplicate" {
				atomic.AddUint64(&duplicates, 1)
			} else {
				atomic.AddUint64(&applied, 1)
			}
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			atomic.AddUint64(&rejected, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func generateDeposit() (string, string) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic redelivers one of two deposits,
		// hammering the idempotency path for a single settlement row.
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return "bench-hot-1", "client-hot"
			}
			return "bench-hot-2", "client-hot"
		}
	}

	// Uniform: every request is a fresh deposit for a fresh client.
	n := time.Now().UnixNano()
	return fmt.Sprintf("bench-%d-%d", n, rand.Intn(1<<20)), fmt.Sprintf("client-%d", n)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	app := atomic.LoadUint64(&applied)
	dup := atomic.LoadUint64(&duplicates)
	rej := atomic.LoadUint64(&rejected)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	dupRate := float64(dup) / float64(total) * 100

	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_tps": tps,
		"applied":        app,
		"duplicates":     dup,
		"duplicate_pct":  dupRate,
		"rejected":       rej,
		"errors":         fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
