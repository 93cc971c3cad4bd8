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
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	users       int
	amount      int64
)

// Metrics
var (
	totalRequests uint64
	accepted202   uint64
	quota422      uint64
	fail409       uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&users, "users", 1000, "Distinct telegram handles to mint for")
	flag.Int64Var(&amount, "amount", 0, "Amount per mint (0 = role default)")
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

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		payload := map[string]interface{}{
			"channel":     "telegram",
			"handle":      pickHandle(),
			"destination": "0x000000000000000000000000000000000000beef",
		}
		if amount > 0 {
			payload["amount"] = amount
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/mint", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusAccepted:
			atomic.AddUint64(&accepted202, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&quota422, 1)
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

// pickHandle spreads mints across handles. Hotspot sends 90% of traffic to
// two handles so their quota windows contend.
func pickHandle() string {
	if workload == "hotspot" && rand.Float32() < 0.90 {
		return fmt.Sprintf("bench-%d", rand.Intn(2))
	}
	return fmt.Sprintf("bench-%d", rand.Intn(users))
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s202 := atomic.LoadUint64(&accepted202)
	q422 := atomic.LoadUint64(&quota422)
	f409 := atomic.LoadUint64(&fail409)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var rejectRate float64
	if total > 0 {
		rejectRate = float64(q422) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":         workload,
		"duration_sec":     d.Seconds(),
		"total_requests":   total,
		"throughput_tps":   tps,
		"accepted":         s202,
		"quota_rejected":   q422,
		"quota_reject_pct": rejectRate,
		"conflicts":        f409,
		"errors":           fErr,
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
