// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"math/rand/v2"
	"time"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/foreman/lib/clock"
)

// RetryPolicy bounds retries of transient SQLite failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetry covers the contention seen with several writers on one
// WAL database after busy_timeout has already expired.
var DefaultRetry = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  50 * time.Millisecond,
	MaxDelay:   500 * time.Millisecond,
}

// IsTransient reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultBusy, sqlite.ResultLocked:
		return true
	}
	return false
}

// Retry runs operation, retrying transient failures with exponential
// backoff and jitter. Non-transient errors return immediately.
func Retry(ctx context.Context, clk clock.Clock, policy RetryPolicy, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		lastErr = operation()
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxRetries {
			break
		}
		select {
		case <-clk.After(backoff(policy, attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func backoff(policy RetryPolicy, attempt int) time.Duration {
	delay := policy.BaseDelay << attempt
	if delay > policy.MaxDelay || delay <= 0 {
		delay = policy.MaxDelay
	}
	// Up to 25% jitter so contending writers spread out.
	jitter := time.Duration(rand.Int64N(int64(delay)/4 + 1))
	return delay + jitter
}
