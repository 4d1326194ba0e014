// Package retry provides bounded retry helpers with exponential backoff.
// Every retryable call in this codebase has a fixed attempt count -- nothing
// is retried indefinitely.
package retry

import (
	"context"
	"time"
)

// baseDelay is the backoff before the second attempt; it doubles after
// every failure (100ms, 200ms, 400ms, ...).
const baseDelay = 100 * time.Millisecond

// Do calls fn up to maxAttempts times with exponential backoff between
// attempts. It returns nil on the first success, the last error once the
// attempts are exhausted, or ctx.Err() if the context is cancelled while
// backing off.
func Do(ctx context.Context, maxAttempts int, fn func() error) error {
	var err error
	for i := 0; i < maxAttempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < maxAttempts-1 {
			select {
			case <-time.After(baseDelay * (1 << i)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

// Result is like Do but for functions that return a value.
func Result[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var result T
	var err error
	for i := 0; i < maxAttempts; i++ {
		if result, err = fn(); err == nil {
			return result, nil
		}
		if i < maxAttempts-1 {
			select {
			case <-time.After(baseDelay * (1 << i)):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}
	return result, err
}
