// Package util provides shared utility functions for microprep.
package util

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// BusyRetryOptions returns retry options for tools that report a held lock
// (snapper config lock, busy btrfs ioctl). Linear-ish backoff 200ms..1s.
func BusyRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(200 * time.Millisecond),
		retry.MaxDelay(1 * time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsBusy),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// RetryOnceOptions returns options for exactly one retry. onRetry runs between
// the failed attempt and the retry.
func RetryOnceOptions(ctx context.Context, onRetry func(err error)) []retry.Option {
	return []retry.Option{
		retry.Attempts(2),
		retry.Delay(100 * time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			// retry-go also reports the final failed attempt
			if n == 0 && onRetry != nil {
				onRetry(err)
			}
		}),
		retry.Context(ctx),
	}
}

// Retry executes fn with the given options, built by BusyRetryOptions or
// RetryOnceOptions. Returns the last error if all attempts fail.
func Retry(fn func() error, opts ...retry.Option) error {
	return retry.Do(fn, opts...)
}

// IsBusy returns true if the error indicates a held lock or busy resource.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "resource busy")
}
