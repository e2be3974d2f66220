package fhem

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Backoff describes the reconnect schedule of an engine.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// MaxAttempts bounds Retry; zero retries until the context ends.
	MaxAttempts int
}

// DefaultBackoff waits 5s, growing by 1.5 per attempt up to one minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       5 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 1.5,
	}
}

func (b Backoff) Validate() error {
	if b.Base <= 0 {
		return errors.New("backoff base must be positive")
	}
	if b.Max < b.Base {
		return errors.New("backoff max must be >= base")
	}
	if b.Multiplier < 1 {
		return errors.New("backoff multiplier must be >= 1")
	}
	if b.MaxAttempts < 0 {
		return errors.New("backoff max attempts cannot be negative")
	}

	return nil
}

// Delay is min(Max, Base * Multiplier^attempt) with attempt counted from 0.
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt))
	if d > float64(b.Max) || math.IsInf(d, 0) || math.IsNaN(d) {
		return b.Max
	}

	return time.Duration(d)
}

// Retry calls fn until it succeeds, the attempts run out or ctx is done,
// sleeping Delay(n) after the n-th failure.
func (b Backoff) Retry(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 0; b.MaxAttempts == 0 || attempt < b.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		if b.MaxAttempts != 0 && attempt == b.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", b.MaxAttempts, lastErr)
}
