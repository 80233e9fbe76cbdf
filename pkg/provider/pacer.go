package provider

import (
	"context"
	"sync"
	"time"
)

// Pacer enforces a minimum delay between provider calls, implementing the
// requests-per-second cap as a fixed inter-call interval. Safe for use from
// multiple goroutines; waiting callers are serialized.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// NewPacer builds a pacer from a requests-per-second limit. A non-positive
// limit disables pacing.
func NewPacer(requestsPerSecond int) *Pacer {
	if requestsPerSecond <= 0 {
		return &Pacer{}
	}
	return &Pacer{interval: time.Second / time.Duration(requestsPerSecond)}
}

// Wait blocks until the next call is allowed or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil || p.interval <= 0 {
		return ctx.Err()
	}
	p.mu.Lock()
	now := time.Now()
	next := p.last.Add(p.interval)
	if next.Before(now) {
		next = now
	}
	p.last = next
	p.mu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
