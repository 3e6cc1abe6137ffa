// Package retry provides a small bounded-retry policy so call sites do not
// grow ad hoc sleep-and-retry loops.
package retry

import (
	"context"
	"time"
)

// Policy describes how many times an operation may run and how long to wait
// between attempts. Sleep is injectable so tests run with zero delay.
type Policy struct {
	// Attempts is the total number of attempts, including the first.
	Attempts int
	// Backoff returns the wait before retry n (n >= 1).
	Backoff func(attempt int) time.Duration
	Sleep   func(time.Duration)
}

// ConstantBackoff waits the same interval before every retry.
func ConstantBackoff(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// Do runs op until it succeeds, attempts are exhausted, or ctx is cancelled.
// The last error is returned.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && p.Backoff != nil {
			sleep(p.Backoff(attempt - 1))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = op(); err == nil {
			return nil
		}
	}
	return err
}
