package provider

import (
	"context"
	"math"
	"time"
)

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 60 * time.Second
	defaultBackoffFactor  = 2.0
)

// RetryConfig encapsulates exponential backoff settings for provider calls.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// RetryHandler executes retryable provider operations with backoff.
// Only transient failures are retried; permanent failures surface at once.
type RetryHandler struct {
	cfg RetryConfig
}

// NewRetryHandler constructs a handler, filling in defaults for zero fields.
func NewRetryHandler(cfg RetryConfig) *RetryHandler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = defaultBackoffFactor
	}
	return &RetryHandler{cfg: cfg}
}

// Do executes fn until it succeeds, fails permanently, or exhausts the
// attempt budget. The last error is returned unwrapped.
func (r *RetryHandler) Do(ctx context.Context, fn func() error) error {
	backoff := r.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt >= r.cfg.MaxAttempts {
			return err
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff = time.Duration(math.Min(
			float64(r.cfg.MaxBackoff),
			float64(backoff)*r.cfg.Multiplier,
		))
	}
}
