package store

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry policy for transient SQLite contention. busy_timeout absorbs most of
// it; this covers the remainder, e.g. a checkpoint holding the WAL.
const (
	retryInitialInterval = 50 * time.Millisecond
	retryMaxInterval     = time.Second
	retryMaxAttempts     = 5
)

// isTransient reports whether err is a lock/busy error worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}

// withRetry runs op with exponential backoff while it fails transiently.
// Non-transient errors are returned immediately.
func withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval

	policy := backoff.WithContext(backoff.WithMaxRetries(b, retryMaxAttempts-1), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
