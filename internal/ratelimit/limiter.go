// Package ratelimit implements the per-tenant sliding one-minute window used
// to gate vendor API-key traffic. The Limiter contract is implementation
// agnostic: MemoryLimiter serves single-instance deployments, RedisLimiter
// shares state across instances.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is the sliding interval all limits are expressed over.
const Window = time.Minute

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per org against a per-minute budget.
type Limiter interface {
	Check(ctx context.Context, orgID int64, limitPerMinute int) (Decision, error)
}

// MemoryLimiter keeps two adjacent minute buckets per org and weights the
// previous bucket by its remaining overlap with the sliding window.
// Approximate under rotation, but it never under-counts a full window.
type MemoryLimiter struct {
	mu   sync.Mutex
	orgs map[int64]*orgWindow
	now  func() time.Time
}

type orgWindow struct {
	currentStart time.Time
	current      int
	previous     int
}

// NewMemoryLimiter constructs an in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{orgs: make(map[int64]*orgWindow), now: time.Now}
}

// Check counts this request against the org window and decides.
func (l *MemoryLimiter) Check(_ context.Context, orgID int64, limitPerMinute int) (Decision, error) {
	if limitPerMinute <= 0 {
		return Decision{Allowed: true, Remaining: 0, ResetAt: l.now().Add(Window)}, nil
	}

	now := l.now()
	bucketStart := now.Truncate(Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	win, ok := l.orgs[orgID]
	if !ok {
		win = &orgWindow{currentStart: bucketStart}
		l.orgs[orgID] = win
	}
	l.rotateLocked(win, bucketStart)

	elapsed := now.Sub(win.currentStart)
	weight := 1.0 - float64(elapsed)/float64(Window)
	estimated := float64(win.current) + float64(win.previous)*weight

	resetAt := win.currentStart.Add(Window)
	if estimated >= float64(limitPerMinute) {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	win.current++
	remaining := limitPerMinute - int(estimated) - 1
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}

func (l *MemoryLimiter) rotateLocked(win *orgWindow, bucketStart time.Time) {
	switch {
	case bucketStart.Equal(win.currentStart):
	case bucketStart.Sub(win.currentStart) == Window:
		win.previous = win.current
		win.current = 0
		win.currentStart = bucketStart
	default:
		win.previous = 0
		win.current = 0
		win.currentStart = bucketStart
	}
}
