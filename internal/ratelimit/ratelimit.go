// Package ratelimit throttles query callers. Two interchangeable
// strategies share one interface: a token bucket with complexity-weighted
// costs, and a fixed sliding window with a hard per-minute cap.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether a caller may proceed. On denial the returned
// duration tells the caller how long to wait before retrying.
type Limiter interface {
	Allow(caller string, cost float64) (allowed bool, retryAfter time.Duration)
}

// costScale converts fractional token costs to the integer token counts
// the underlying limiter works in.
const costScale = 1000

// TokenBucket charges each request its complexity-weighted cost against a
// per-caller bucket refilled from a requests-per-minute budget.
type TokenBucket struct {
	perSecond rate.Limit
	burst     int
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewTokenBucket sizes each caller's bucket from a per-minute budget of
// unit-cost requests.
func NewTokenBucket(requestsPerMinute float64) *TokenBucket {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &TokenBucket{
		perSecond: rate.Limit(requestsPerMinute * costScale / 60),
		burst:     int(requestsPerMinute * costScale),
		now:       time.Now,
		buckets:   make(map[string]*rate.Limiter),
	}
}

func (t *TokenBucket) bucket(caller string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[caller]
	if !ok {
		b = rate.NewLimiter(t.perSecond, t.burst)
		t.buckets[caller] = b
	}
	return b
}

// Allow charges cost tokens against the caller's bucket. A cost of 1.0 is
// one budgeted request; fractional costs are supported.
func (t *TokenBucket) Allow(caller string, cost float64) (bool, time.Duration) {
	if cost <= 0 {
		cost = 1
	}
	tokens := int(cost * costScale)
	if tokens > t.burst {
		tokens = t.burst
	}

	now := t.now()
	r := t.bucket(caller).ReserveN(now, tokens)
	if !r.OK() {
		return false, time.Minute
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// SlidingWindow enforces a hard cap on requests per rolling minute,
// regardless of cost. Once the cap is hit the caller stays blocked until
// the oldest request ages out of the window.
type SlidingWindow struct {
	cap    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	history map[string][]time.Time
}

// NewSlidingWindow creates a limiter capping each caller at maxPerMinute
// requests per rolling minute.
func NewSlidingWindow(maxPerMinute int) *SlidingWindow {
	if maxPerMinute <= 0 {
		maxPerMinute = 60
	}
	return &SlidingWindow{
		cap:     maxPerMinute,
		window:  time.Minute,
		now:     time.Now,
		history: make(map[string][]time.Time),
	}
}

// Allow records the request if the caller is under the cap. cost is
// ignored; the window counts requests, not tokens.
func (w *SlidingWindow) Allow(caller string, _ float64) (bool, time.Duration) {
	now := w.now()
	cutoff := now.Add(-w.window)

	w.mu.Lock()
	defer w.mu.Unlock()

	hist := w.history[caller]
	kept := hist[:0]
	for _, ts := range hist {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= w.cap {
		// Blocked until the oldest in-window request expires.
		retryAfter := kept[0].Sub(cutoff)
		if retryAfter <= 0 {
			retryAfter = time.Millisecond
		}
		w.history[caller] = kept
		return false, retryAfter
	}

	w.history[caller] = append(kept, now)
	return true, 0
}
