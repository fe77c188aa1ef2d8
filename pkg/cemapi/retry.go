package cemapi

import (
	"context"
	"log"
	"time"
)

// RetryConfig bounds the retry loop around one outbound call.
type RetryConfig struct {
	MaxAttempts int
	Backoff     *ExponentialBackoff
}

// DefaultRetryConfig returns the budget used for every CEM API call:
// 4 attempts total (one initial call plus three retries).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		Backoff:     DefaultBackoff(),
	}
}

// retryWithBackoff calls op until it succeeds, the classification says stop,
// or the attempt budget runs out.
//
// NonRetryable and AuthExpired errors are returned unwrapped and immediately:
// token refresh is the coordinator's job, not the retrier's. When a retryable
// error survives the final attempt it is wrapped in *TransientError. Every
// outbound call is wrapped by this helper exactly once; callers must not
// stack another blind retry on top for the same failure class.
func retryWithBackoff[T any](ctx context.Context, cfg RetryConfig, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff()
	}

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		class := Classify(err)
		if class == ClassNonRetryable || class == ClassAuthExpired {
			log.Printf("%s: %s error on attempt %d/%d: %v", name, class, attempt+1, cfg.MaxAttempts, err)
			return zero, err
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := cfg.Backoff.Next(attempt)
		log.Printf("%s: %s error on attempt %d/%d, retrying in %s: %v", name, class, attempt+1, cfg.MaxAttempts, delay.Round(time.Millisecond), err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	log.Printf("%s: max attempts (%d) exceeded, giving up: %v", name, cfg.MaxAttempts, lastErr)
	return zero, &TransientError{Attempts: cfg.MaxAttempts, Err: lastErr}
}
