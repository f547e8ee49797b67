// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/atmx/pool-settlement/internal/model"
)

// Policy bounds the retries of one operation.
type Policy struct {
	Attempts  int           // total tries, including the first
	BaseDelay time.Duration // delay before the second try
	MaxDelay  time.Duration // cap on the doubled delay; zero means no cap
}

// DefaultPolicy is used when no policy is configured.
var DefaultPolicy = Policy{Attempts: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: time.Second}

// Do executes fn until it succeeds, fails with an error that is not
// model.Retryable, or runs out of attempts. onRetry, if set, is called
// before every sleep. It stops early if the context is canceled.
func (p Policy) Do(ctx context.Context, fn func() error, onRetry func(attempt int, err error)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	delay := p.BaseDelay

	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			if err != nil {
				return err
			}
			return ctx.Err()
		default:
		}

		if err = fn(); err == nil {
			return nil
		}
		if !model.Retryable(err) || i == attempts-1 {
			break
		}
		if onRetry != nil {
			onRetry(i+1, err)
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}
