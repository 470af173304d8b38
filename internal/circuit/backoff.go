package circuit

import (
	"context"
	"math/rand"
	"time"

	"github.com/remote-agent-terminal/termmux/internal/model"
)

// Backoff computes retry delays. It is independent of any breaker cooldown so
// that many sessions retrying at once spread out instead of synchronizing.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxJitter bounds the random amount added to every delay.
	MaxJitter time.Duration
	// Rand returns a value in [0, n). Defaults to math/rand.
	Rand func(n int64) int64
}

// DefaultBackoff returns the default retry bounds.
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay: 250 * time.Millisecond,
		MaxDelay:  10 * time.Second,
		MaxJitter: 250 * time.Millisecond,
	}
}

// NextDelay returns min(MaxDelay, BaseDelay*2^attempt) + jitter.
func (b Backoff) NextDelay(attempt int) time.Duration {
	return NextDelay(attempt, b.BaseDelay, b.MaxDelay, b.jitter())
}

func (b Backoff) jitter() time.Duration {
	if b.MaxJitter <= 0 {
		return 0
	}
	rnd := b.Rand
	if rnd == nil {
		rnd = rand.Int63n
	}
	return time.Duration(rnd(int64(b.MaxJitter)))
}

// NextDelay is the pure form of Backoff.NextDelay with the jitter supplied.
func NextDelay(attempt int, base, maxDelay, jitter time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt && delay > 0 && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay + jitter
}

// Retry runs fn up to attempts times, sleeping NextDelay between retryable
// failures. It stops early on success, on a non-retryable error, or when ctx
// is done.
func Retry(ctx context.Context, b Backoff, attempts int, fn func(ctx context.Context, attempt int) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !model.IsRetryable(lastErr) || attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(b.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
