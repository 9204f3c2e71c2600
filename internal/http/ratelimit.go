package http

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL      = 10 * time.Minute
	limiterSweepEvery   = 5 * time.Minute
	defaultLimiterBurst = 5
)

// RateLimiter enforces per-client request rate limits using token buckets.
type RateLimiter struct {
	limiters sync.Map   // key → *limiterEntry
	r        rate.Limit // refill rate (requests per second)
	burst    int

	sweepMu   sync.Mutex
	lastSweep time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	mu       sync.Mutex
}

// NewRateLimiter creates a rate limiter.
// rpm is requests per minute, burst is the max burst allowed.
// If rpm <= 0, the rate limiter is disabled (always allows).
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = defaultLimiterBurst
	}
	r := rate.Limit(0)
	if rpm > 0 {
		r = rate.Limit(float64(rpm) / 60.0)
	}
	return &RateLimiter{r: r, burst: burst, lastSweep: time.Now()}
}

// Allow reports whether a request from key may proceed. When it may not,
// retryAfter is the wait until the next token.
func (rl *RateLimiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	if rl.r == 0 {
		return true, 0
	}
	rl.maybeSweep()

	entry := rl.getOrCreate(key)
	entry.mu.Lock()
	entry.lastSeen = time.Now()
	entry.mu.Unlock()

	res := entry.limiter.Reserve()
	if d := res.Delay(); d > 0 {
		res.Cancel()
		slog.Warn("security.rate_limited", "key", redactKey(key))
		return false, d
	}
	return true, 0
}

// Enabled returns true if the rate limiter is active.
func (rl *RateLimiter) Enabled() bool {
	return rl.r > 0
}

func (rl *RateLimiter) getOrCreate(key string) *limiterEntry {
	if v, ok := rl.limiters.Load(key); ok {
		return v.(*limiterEntry)
	}
	entry := &limiterEntry{
		limiter:  rate.NewLimiter(rl.r, rl.burst),
		lastSeen: time.Now(),
	}
	actual, _ := rl.limiters.LoadOrStore(key, entry)
	return actual.(*limiterEntry)
}

// maybeSweep drops idle entries, at most once per sweep interval.
func (rl *RateLimiter) maybeSweep() {
	rl.sweepMu.Lock()
	if time.Since(rl.lastSweep) < limiterSweepEvery {
		rl.sweepMu.Unlock()
		return
	}
	rl.lastSweep = time.Now()
	rl.sweepMu.Unlock()
	rl.cleanup(time.Now().Add(-limiterIdleTTL))
}

func (rl *RateLimiter) cleanup(cutoff time.Time) {
	rl.limiters.Range(func(key, value any) bool {
		entry := value.(*limiterEntry)
		entry.mu.Lock()
		idle := entry.lastSeen.Before(cutoff)
		entry.mu.Unlock()
		if idle {
			rl.limiters.Delete(key)
		}
		return true
	})
}

func redactKey(key string) string {
	if len(key) > 12 {
		return key[:12] + "..."
	}
	return key
}

func retryAfterMs(d time.Duration) int {
	return int(math.Ceil(float64(d) / float64(time.Millisecond)))
}
