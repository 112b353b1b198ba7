// Package retry implements a generic backoff retry loop: call a function
// repeatedly until it stops asking for another attempt, with a delay that
// starts at start and grows by factor on each attempt up to limit, giving
// up after timeout has elapsed in total.
package retry

import (
	"context"
	"errors"
	"time"
)

// Again is returned by the retried function to request another attempt.
var Again = errors.New("retry: try again")

// Timeout is returned by Do when the retry budget is exhausted.
var Timeout = errors.New("retry: timed out")

// Do calls fn repeatedly until it returns an error other than Again. The
// delay between attempts starts at start and is multiplied by factor
// after each attempt, capped at limit, until timeout has elapsed since
// the first call, at which point Do returns Timeout.
func Do(ctx context.Context, fn func() error, start time.Duration, factor float64, limit, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	delay := start

	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, Again) {
			return err
		}

		if time.Now().After(deadline) {
			return Timeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if delay < limit {
			delay = time.Duration(float64(delay) * factor)
			if delay > limit {
				delay = limit
			}
		}
	}
}
