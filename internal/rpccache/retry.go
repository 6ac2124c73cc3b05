package rpccache

import (
	"context"
	"strings"
	"time"
)

// Retry policy for user-visible RPC actions (spec.md §4.8): 10 attempts,
// exponential backoff starting at 125ms and doubling each step. Retry
// only when the underlying error (or an empty-looking success value)
// indicates a block/transaction/receipt that hasn't propagated to this
// node yet — a different, narrower mechanism than C4's range-split
// re-enqueue, which operates at the historical-sync scope rather than
// per RPC action.
const (
	retryMaxAttempts  = 10
	retryInitialDelay = 125 * time.Millisecond
)

// isRetryableError reports whether err is one of the transient
// not-yet-available conditions the retry policy names: BlockNotFound,
// TransactionNotFound, TransactionReceiptNotFound, or a "returned no
// data" response surfaced as an error rather than an empty value.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"block not found", "transaction not found", "transaction receipt not found", "returned no data", "not found"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// withRetry runs fn up to retryMaxAttempts times, doubling the backoff
// delay from retryInitialDelay on each retry. retryEmptyResponse
// controls whether an UncachedResponses-shaped empty success value
// (spec.md's "returned no data" condition) also triggers a retry;
// Request.NoRetryEmptyResponse threads the opt-out through.
func withRetry(ctx context.Context, retryEmptyResponse bool, fn func() (string, error)) (string, error) {
	delay := retryInitialDelay
	var lastErr error

	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		value, err := fn()
		switch {
		case err == nil && (!retryEmptyResponse || !UncachedResponses[value]):
			return value, nil
		case err == nil:
			lastErr = errEmptyResponse
		case !isRetryableError(err):
			return "", err
		default:
			lastErr = err
		}

		if attempt == retryMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return "", lastErr
}

var errEmptyResponse = errNoData{}

// errNoData is the error withRetry reports when every attempt's result
// kept coming back empty; it carries no state beyond its message.
type errNoData struct{}

func (errNoData) Error() string { return "rpccache: upstream returned no data" }
