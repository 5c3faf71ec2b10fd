package scanning

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Retry defaults. Delays grow linearly: the usual transient cause is a
// short per-minute rate window, not a failing service.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
)

// Retrier retries rate-limited and network failures with linear backoff
type Retrier struct {
	MaxAttempts int
	BaseDelay   time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a Retrier with DefaultMaxAttempts; baseDelay <= 0 uses DefaultRetryDelay
func NewRetrier(baseDelay time.Duration) *Retrier {
	if baseDelay <= 0 {
		baseDelay = DefaultRetryDelay
	}
	return &Retrier{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   baseDelay,
		sleep:       sleepContext,
	}
}

// NewRetrierWithSleep creates a Retrier with a custom sleep function for testing
func NewRetrierWithSleep(baseDelay time.Duration, sleep func(ctx context.Context, d time.Duration) error) *Retrier {
	r := NewRetrier(baseDelay)
	r.sleep = sleep
	return r
}

// Do calls fn until it succeeds, fails terminally, or attempts run out
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) ([]Transaction, error)) ([]Transaction, error) {
	var lastErr error
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		txs, err := fn(ctx)
		if err == nil {
			return txs, nil
		}
		lastErr = err

		var se *ScanError
		if !errors.As(err, &se) || !se.Retryable() {
			return nil, err
		}
		if attempt == r.MaxAttempts {
			break
		}

		delay := r.BaseDelay * time.Duration(attempt)
		slog.Warn("Retrying extraction",
			"attempt", attempt,
			"max_attempts", r.MaxAttempts,
			"kind", se.Kind,
			"delay", delay,
			"error", err,
		)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, newScanError(KindOf(lastErr), lastErr, "giving up after %d attempts: %v", r.MaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryingExtractor decorates an Extractor with a Retrier
type RetryingExtractor struct {
	Extractor Extractor
	Retrier   *Retrier
}

// Extract calls the wrapped extractor under the retry policy
func (r *RetryingExtractor) Extract(ctx context.Context, req ExtractRequest) ([]Transaction, error) {
	return r.Retrier.Do(ctx, func(ctx context.Context) ([]Transaction, error) {
		return r.Extractor.Extract(ctx, req)
	})
}
