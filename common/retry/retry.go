// Package retry implements exponential-backoff retries for transient
// failures, such as a dropped connection while posting a reply.
//
//	err := retry.Do(ctx, retry.Config{Attempts: 3, BaseDelay: 250 * time.Millisecond}, func() error {
//	    return client.Send(roomID, text)
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls how Do retries.
type Config struct {
	// Attempts is the total number of calls, including the first.
	// Values below 1 are treated as 1.
	Attempts int
	// BaseDelay is the wait before the second attempt; each later wait
	// doubles, capped at MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration
	// Retryable optionally classifies errors. A nil predicate retries
	// every non-nil error.
	Retryable func(err error) bool
}

// Defaults is a Config suited to short network calls.
var Defaults = Config{
	Attempts:  3,
	BaseDelay: 250 * time.Millisecond,
	MaxDelay:  5 * time.Second,
}

// Do calls fn until it returns nil, the attempt budget is spent, ctx is
// cancelled, or the error is classified as not retryable. The last error
// seen is returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = Defaults.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = Defaults.MaxDelay
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = func(error) bool { return true }
	}

	delay := cfg.BaseDelay
	var last error

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(last, err)
		}

		last = fn()
		if last == nil {
			return nil
		}
		if !retryable(last) {
			return last
		}
		if attempt == cfg.Attempts {
			break
		}

		slog.Debug("retry: attempt failed",
			"attempt", attempt, "of", cfg.Attempts, "err", last, "next_in", delay)

		select {
		case <-ctx.Done():
			return errors.Join(last, ctx.Err())
		case <-time.After(delay):
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return last
}
