// Package ratelimit implements fixed-window admission control keyed by
// client identity.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultLimit  = 100
	DefaultWindow = 60 * time.Second
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type window struct {
	start time.Time
	count int
}

// Limiter counts requests per key in fixed windows. All counter updates
// happen under mu, so concurrent Allow calls for the same key never lose an
// increment and Sweep never interleaves with one.
type Limiter struct {
	limit  int
	period time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// New creates a limiter admitting limit requests per key in each period.
func New(limit int, period time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if period <= 0 {
		period = DefaultWindow
	}
	return &Limiter{
		limit:   limit,
		period:  period,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Limit returns the per-window threshold.
func (l *Limiter) Limit() int { return l.limit }

// Allow counts one request for key and reports whether it is admitted.
// Rejected requests are not counted.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(l.period)) {
		w = &window{start: now}
		l.windows[key] = w
	}

	d := Decision{Limit: l.limit, ResetAt: w.start.Add(l.period)}
	if w.count >= l.limit {
		return d
	}

	w.count++
	d.Allowed = true
	d.Remaining = l.limit - w.count
	return d
}

// Sweep drops keys whose window has closed and returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.start.Add(l.period)) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Run sweeps once per window until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Sweep()
		}
	}
}
