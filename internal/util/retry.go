package util

import (
	"context"
	"time"
)

// Retry executes fn with retries and backoff.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	return RetryIf(ctx, attempts, backoff, func(error) bool { return true }, fn)
}

// RetryIf is Retry that stops early on errors retryable rejects.
func RetryIf(ctx context.Context, attempts int, backoff time.Duration, retryable func(error) bool, fn func() error) error {
	if attempts <= 1 {
		return fn()
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) || i == attempts-1 {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
