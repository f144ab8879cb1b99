package rate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle keeps one token bucket per key. Buckets idle for longer than
// the eviction age are dropped on the next sweep.
type Throttle struct {
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
	mu       sync.Mutex
	buckets  map[string]*bucket
	lastScan time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle allows perMinute requests per key with the given burst.
func NewThrottle(perMinute, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes a token for key.
func (t *Throttle) Allow(key string) bool {
	if t == nil || t.limit <= 0 {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.sweepLocked(now)

	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Len reports how many buckets are tracked.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

func (t *Throttle) sweepLocked(now time.Time) {
	if now.Sub(t.lastScan) < t.idleTTL {
		return
	}
	t.lastScan = now
	for key, b := range t.buckets {
		if now.Sub(b.lastSeen) > t.idleTTL {
			delete(t.buckets, key)
		}
	}
}
