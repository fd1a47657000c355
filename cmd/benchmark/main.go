package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletops/internal/logging"
	"go.uber.org/zap"
)

// Config holds the benchmark settings
var (
	targetURL     string
	concurrency   int
	duration      time.Duration
	workload      string
	totalAccounts int
	replayRatio   float64
	amount        string
)

// tally counts responses by outcome. Transport errors are not requests.
type tally struct {
	requests  atomic.Uint64
	created   atomic.Uint64 // 201
	replayed  atomic.Uint64 // 200
	inFlight  atomic.Uint64 // 409
	rejected  atomic.Uint64 // 422
	contended atomic.Uint64 // 503
	other     atomic.Uint64
}

func (t *tally) record(status int) {
	t.requests.Add(1)
	switch status {
	case http.StatusCreated:
		t.created.Add(1)
	case http.StatusOK:
		t.replayed.Add(1)
	case http.StatusConflict:
		t.inFlight.Add(1)
	case http.StatusUnprocessableEntity:
		t.rejected.Add(1)
	case http.StatusServiceUnavailable:
		t.contended.Add(1)
	default:
		t.other.Add(1)
	}
}

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&totalAccounts, "accounts", 1000, "Number of seeded accounts (ids 1..n)")
	flag.Float64Var(&replayRatio, "replay", 0.05, "Fraction of requests that resend the previous Idempotency-Key")
	flag.StringVar(&amount, "amount", "1.00", "Amount moved per transfer")
}

func main() {
	flag.Parse()
	logger, err := logging.New("production", "info")
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	logger.Info("starting benchmark",
		zap.String("workload", workload),
		zap.Int("workers", concurrency),
		zap.Duration("duration", duration))

	var (
		t     tally
		wg    sync.WaitGroup
		start = time.Now()
	)
	for range concurrency {
		wg.Go(func() { worker(&t, start) })
	}
	wg.Wait()
	writeResults(logger, &t, time.Since(start))
}

type request struct {
	key  string
	body []byte
}

// worker issues transfers until the deadline. With probability replayRatio it
// resends its previous request under the same key instead of a fresh one.
func worker(t *tally, start time.Time) {
	client := &http.Client{Timeout: 5 * time.Second}

	var last *request
	for time.Since(start) < duration {
		req := last
		if req == nil || rand.Float64() >= replayRatio {
			from, to := generateAccounts()
			body, _ := json.Marshal(map[string]any{
				"sender_id":   from,
				"receiver_id": to,
				"amount":      amount,
				"currency":    "USD",
			})
			req = &request{key: "bench-" + uuid.NewString(), body: body}
		}
		last = req

		httpReq, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/transfers", bytes.NewReader(req.body))
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Idempotency-Key", req.key)

		resp, err := client.Do(httpReq)
		if err != nil {
			t.other.Add(1)
			continue
		}
		t.record(resp.StatusCode)
		resp.Body.Close()
	}
}

func generateAccounts() (int64, int64) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic goes to Account 1 & 2
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return 1, 2
			}
			return 2, 1
		}
	}

	// Uniform Random
	a := rand.IntN(totalAccounts) + 1
	b := rand.IntN(totalAccounts) + 1
	for a == b {
		b = rand.IntN(totalAccounts) + 1
	}
	return int64(a), int64(b)
}

func writeResults(logger *zap.Logger, t *tally, d time.Duration) {
	total := t.requests.Load()
	var tps, abortRate float64
	if total > 0 {
		tps = float64(total) / d.Seconds()
		abortRate = float64(t.inFlight.Load()+t.contended.Load()) / float64(total) * 100
	}

	results := map[string]any{
		"workload":          workload,
		"replay_ratio":      replayRatio,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"success_created":   t.created.Load(),
		"success_replay":    t.replayed.Load(),
		"rejected_inflight": t.inFlight.Load(),
		"rejected_business": t.rejected.Load(),
		"aborts_contention": t.contended.Load(),
		"abort_rate_pct":    abortRate,
		"errors":            t.other.Load(),
	}
	logger.Info("benchmark finished",
		zap.Uint64("requests", total),
		zap.Float64("throughput_tps", tps),
		zap.Float64("abort_rate_pct", abortRate))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		logger.Error("unable to write results file", zap.String("file", filename), zap.Error(err))
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
