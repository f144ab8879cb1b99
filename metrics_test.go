package sessionkit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type nopStore struct{}

func newNopStore() nopStore { return nopStore{} }

func (nopStore) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (nopStore) Set(context.Context, string, string) error         { return nil }
func (nopStore) Remove(context.Context, string) error              { return nil }

func TestMetricsDisabledNoIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricLoginSuccess)

	if got := m.Value(MetricLoginSuccess); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestMetricsConcurrentIncrementSafe(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const goroutines = 16
	const perG = 2000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				m.Inc(MetricVerifyCached)
			}
		}()
	}
	wg.Wait()

	want := uint64(goroutines * perG)
	if got := m.Value(MetricVerifyCached); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestMetricsHistogramBucketsAndSum(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})

	observations := []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		25 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		700 * time.Millisecond,
	}
	var total time.Duration
	for _, d := range observations {
		m.Observe(MetricVerifyLatency, d)
		total += d
	}
	m.Observe(MetricLoginSuccess, time.Second)

	snap := m.Snapshot()
	buckets := snap.Histograms[MetricVerifyLatency]
	if len(buckets) != 8 {
		t.Fatalf("expected 8 buckets, got %d", len(buckets))
	}
	for i, v := range buckets {
		if v != 1 {
			t.Fatalf("bucket %d = %d, want 1", i, v)
		}
	}
	if snap.HistogramSums[MetricVerifyLatency] != total {
		t.Fatalf("sum = %v, want %v", snap.HistogramSums[MetricVerifyLatency], total)
	}
	if _, ok := snap.Histograms[MetricLoginSuccess]; ok {
		t.Fatal("only verify latency keeps a histogram")
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.Inc(MetricLogout)
	m.Observe(MetricVerifyLatency, time.Millisecond)
	if m.Value(MetricLogout) != 0 || m.Enabled() {
		t.Fatal("nil metrics must be inert")
	}
	if len(m.Snapshot().Counters) != 0 {
		t.Fatal("nil metrics snapshot must be empty")
	}
}

func TestUserAccessors(t *testing.T) {
	u, err := ParseUser([]byte(`{"id": 12, "email": "ops@futurebazaar.com", "name": "Ops", "role": "editor", "extra": {"a": 1}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.ID() != "12" || u.Email() != "ops@futurebazaar.com" || u.Name() != "Ops" || u.Role() != "editor" {
		t.Fatalf("unexpected accessors for %v", u)
	}
	if _, err := ParseUser([]byte("null")); err == nil {
		t.Fatal("expected error for null user")
	}

	a, _ := canonicalUser([]byte(`{"b":1,"a":2}`))
	b, _ := canonicalUser([]byte(`{ "a": 2, "b": 1 }`))
	if a != b {
		t.Fatalf("canonical forms differ: %s vs %s", a, b)
	}
}
