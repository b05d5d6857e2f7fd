package notification

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds the attempts made by one alert channel.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
}

// permanent marks err so that no further attempts are made.
func permanent(err error) error {
	return backoff.Permanent(err)
}

// SendWithRetry runs sendFunc until it succeeds, fails permanently or the
// attempts are used up. The last error is returned.
func SendWithRetry(ctx context.Context, config RetryConfig, sendFunc func(context.Context) error) error {
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	ebo := backoff.NewExponentialBackOff()
	if config.Delay > 0 {
		ebo.InitialInterval = config.Delay
	}
	if config.MaxDelay > 0 {
		ebo.MaxInterval = config.MaxDelay
	}
	ebo.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(attempts-1)), ctx)
	return backoff.Retry(func() error { return sendFunc(ctx) }, b)
}
