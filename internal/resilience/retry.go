package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"relaycore/internal/logging"
)

// RetryConfig configures Retry's exponential backoff.
type RetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultRetryConfig mirrors the attachment fetcher's tolerance for a
// flaky chat-service host: three retries within the task's overall
// transfer budget.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		JitterFactor: 0.25,
	}
}

// RetryableFunc is a unit of work Retry may invoke more than once.
type RetryableFunc func(ctx context.Context) error

// Retry runs fn, retrying on transient errors (resilience.IsTransient)
// with exponential backoff and jitter until it succeeds, a permanent
// error surfaces, ctx is cancelled, or MaxAttempts is exhausted.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) error {
	log := logging.NewComponentLogger("Resilience")
	var lastErr error

	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				log.Info("retry succeeded after %d attempts", attempt+1)
			}
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			log.Warn("max retries (%d) exhausted: %v", config.MaxAttempts+1, err)
			break
		}

		delay := calculateBackoff(attempt, config)
		log.Debug("attempt %d failed, retrying in %v: %v", attempt+1, delay, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return lastErr
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	jitter := 1 + (rand.Float64()*2-1)*config.JitterFactor
	return time.Duration(delay * jitter)
}
