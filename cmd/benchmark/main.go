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

	"github.com/punchamoorthee/newmeclass/internal/auth"
	"github.com/punchamoorthee/newmeclass/internal/config"
)

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	users       int
	replayRate  float64
	jwtSecret   string
)

var (
	totalRequests uint64
	success200    uint64
	debited       uint64 // pay-test 200 that took money
	approved      uint64 // pay-test 200 admitted by prior approval
	denied402     uint64 // insufficient balance
	fail409       uint64 // idempotency key in flight
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "paytest", "Workload type: paytest | topup | mixed")
	// A successful pay-test grants access, so each user is debited at most
	// once; later pay-tests are admitted by prior approval. Size -users to
	// the number of contended debits wanted and reseed between runs.
	flag.IntVar(&users, "users", 100, "Number of seeded bench-user-N wallets to spread load over")
	flag.Float64Var(&replayRate, "replay", 0.1, "Fraction of pay-test requests that reuse a previous idempotency key")
	flag.StringVar(&jwtSecret, "secret", os.Getenv("JWT_SECRET"), "HS256 secret shared with the API")
}

func main() {
	flag.Parse()
	if jwtSecret == "" {
		jwtSecret = config.DevJWTSecret
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Users: %d | Duration: %s", workload, concurrency, users, duration)

	tokens, err := signTokens(auth.NewVerifier(jwtSecret))
	if err != nil {
		log.Fatal(err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, tokens)
	}
	wg.Wait()
	printResults(time.Since(start))
}

func signTokens(v *auth.Verifier) ([]string, error) {
	tokens := make([]string, users)
	for i := range tokens {
		tok, err := v.Sign(fmt.Sprintf("bench-user-%d", i+1), duration+time.Hour)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func worker(wg *sync.WaitGroup, start time.Time, tokens []string) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	var lastKey string

	for time.Since(start) < duration {
		token := tokens[rand.Intn(len(tokens))]

		var req *http.Request
		switch pick() {
		case "topup":
			body, _ := json.Marshal(map[string]interface{}{"amount": 10000})
			req, _ = http.NewRequest("POST", targetURL+"/api/wallet/demo-topup", bytes.NewBuffer(body))
		default:
			// Reused keys are only valid for the same user, so a replay
			// against a different token is expected to 422.
			key := fmt.Sprintf("bench-%d", time.Now().UnixNano())
			if lastKey != "" && rand.Float64() < replayRate {
				key = lastKey
			}
			lastKey = key
			body, _ := json.Marshal(map[string]interface{}{"description": "benchmark"})
			req, _ = http.NewRequest("POST", targetURL+"/api/wallet/pay-test", bytes.NewBuffer(body))
			req.Header.Set("Idempotency-Key", key)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 200:
			atomic.AddUint64(&success200, 1)
			var out struct {
				Via string `json:"via"`
			}
			if json.NewDecoder(resp.Body).Decode(&out) == nil {
				switch out.Via {
				case "debit":
					atomic.AddUint64(&debited, 1)
				case "prior_approval":
					atomic.AddUint64(&approved, 1)
				}
			}
		case 402:
			atomic.AddUint64(&denied402, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pick() string {
	switch workload {
	case "topup":
		return "topup"
	case "mixed":
		if rand.Float32() < 0.5 {
			return "topup"
		}
	}
	return "paytest"
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s200 := atomic.LoadUint64(&success200)
	dbt := atomic.LoadUint64(&debited)
	apr := atomic.LoadUint64(&approved)
	d402 := atomic.LoadUint64(&denied402)
	f409 := atomic.LoadUint64(&fail409)
	fErr := atomic.LoadUint64(&failOther)

	var tps, abortRate float64
	if total > 0 {
		tps = float64(total) / d.Seconds()
		abortRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"success":           s200,
		"debited":           dbt,
		"prior_approval":    apr,
		"denied_short":      d402,
		"aborts_conflict":   f409,
		"abort_rate_pct":    abortRate,
		"errors":            fErr,
		"replay_rate_input": replayRate,
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
