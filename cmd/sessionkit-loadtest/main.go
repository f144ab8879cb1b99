package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/futurebazaar/sessionkit"
	"github.com/futurebazaar/sessionkit/internal/devserver"
	"github.com/futurebazaar/sessionkit/store"
)

const loadPassword = "load-test-password"

func main() {
	var (
		clients     = flag.Int("clients", 200, "number of signed-in session managers")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "verifications per phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *clients <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "clients, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	baseURL, stopServer, err := startAuthServer(client, *clients)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auth server: %v\n", err)
		os.Exit(1)
	}
	defer stopServer()

	fmt.Printf("signing in %d clients...\n", *clients)
	startSeed := time.Now()
	managers := make([]*sessionkit.Manager, *clients)
	for i := range managers {
		m, err := newManager(baseURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "manager: %v\n", err)
			os.Exit(1)
		}
		defer m.Close()
		creds := sessionkit.Credentials{Email: loadEmail(i), Password: loadPassword}
		if _, err := m.Login(ctx, creds); err != nil {
			fmt.Fprintf(os.Stderr, "login %s: %v\n", creds.Email, err)
			os.Exit(1)
		}
		managers[i] = m
	}
	fmt.Printf("signed in in %s\n", time.Since(startSeed).Round(time.Millisecond))

	spread := runVerifyPhase(ctx, managers, *ops, *concurrency)
	shared := runVerifyPhase(ctx, managers[:1], *ops, *concurrency)

	fmt.Println("---- results ----")
	printStats("verify-spread", spread)
	printStats("verify-shared", shared)
	fmt.Printf("shared manager network verifications: %d of %d calls\n",
		managers[0].MetricsSnapshot().Counters[sessionkit.MetricVerifyNetwork], *ops)
}

func loadEmail(i int) string {
	return fmt.Sprintf("load-%d@example.com", i)
}

// startAuthServer serves a dev auth server with n seeded accounts on a
// loopback port.
func startAuthServer(client redis.UniversalClient, n int) (string, func(), error) {
	srv, err := devserver.New(devserver.Config{
		Redis:          client,
		LoginPerMinute: n * 2,
		LoginBurst:     n,
	})
	if err != nil {
		return "", nil, err
	}
	for i := 0; i < n; i++ {
		if _, err := srv.Accounts().Add(loadEmail(i), "Load", "user", loadPassword); err != nil {
			return "", nil, err
		}
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	hs := &http.Server{Handler: srv, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = hs.Serve(ln) }()
	return "http://" + ln.Addr().String() + "/api", func() { _ = hs.Close() }, nil
}

func newManager(baseURL string) (*sessionkit.Manager, error) {
	cfg := sessionkit.DefaultConfig()
	cfg.Endpoints.BaseURL = baseURL
	cfg.Audit.Enabled = false
	cfg.Metrics.Enabled = true
	return sessionkit.New().WithConfig(cfg).WithStore(store.NewMemoryStore()).Build()
}

func runVerifyPhase(ctx context.Context, managers []*sessionkit.Manager, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				m := managers[r.Intn(len(managers))]
				t0 := time.Now()
				_, err := m.VerifyToken(ctx, true)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
