package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	eventPool   int
	idsFile     string
)

var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // First deliveries
	fail409       uint64 // In flight, already claimed, busy
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "redelivery", "Workload type: redelivery | claim")
	flag.IntVar(&eventPool, "events", 200, "Distinct provider events in the redelivery workload")
	flag.StringVar(&idsFile, "ids", "cashout_ids.txt", "Cashout ids for the claim workload (written by the seeder)")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	var next func(client *http.Client) (*http.Response, error)
	switch workload {
	case "redelivery":
		runID := time.Now().UnixNano()
		next = func(client *http.Client) (*http.Response, error) {
			return deliverDeposit(client, runID)
		}
	case "claim":
		ids, err := loadCashoutIDs(idsFile)
		if err != nil {
			log.Fatal(err)
		}
		next = func(client *http.Client) (*http.Response, error) {
			return executeCashout(client, ids[rand.Intn(len(ids))])
		}
	default:
		log.Fatalf("unknown workload %q", workload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			worker(ctx, next)
			return nil
		})
	}
	_ = g.Wait()
	printResults(time.Since(start))
}

func worker(ctx context.Context, next func(*http.Client) (*http.Response, error)) {
	client := &http.Client{Timeout: 5 * time.Second}
	for ctx.Err() == nil {
		resp, err := next(client)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&success201, 1)
		case 200:
			atomic.AddUint64(&success200, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

// deliverDeposit posts one of a small pool of deposit events, so most
// deliveries are redeliveries racing the first.
func deliverDeposit(client *http.Client, runID int64) (*http.Response, error) {
	n := rand.Intn(eventPool)
	payload := map[string]any{
		"event_id":     fmt.Sprintf("bench-%d-%d", runID, n),
		"reference_id": fmt.Sprintf("dep-%d", n),
		"user_id":      fmt.Sprintf("bench-user-%d", n%1000+1),
		"amount":       "1.00",
		"currency":     "USD",
	}
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", targetURL+"/api/v1/webhooks/bench", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

func executeCashout(client *http.Client, id string) (*http.Response, error) {
	req, _ := http.NewRequest("POST", targetURL+"/api/v1/cashouts/"+id+"/execute", nil)
	return client.Do(req)
}

func loadCashoutIDs(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cashout ids: %w", err)
	}
	ids := strings.Fields(string(raw))
	if len(ids) == 0 {
		return nil, fmt.Errorf("no cashout ids in %s", path)
	}
	return ids, nil
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var conflictRate float64
	if total > 0 {
		conflictRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"success_created":   s201,
		"success_replay":    s200,
		"conflicts":         f409,
		"conflict_rate_pct": conflictRate,
		"errors":            fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
