// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"time"

	"connectrpc.com/connect"
)

// retryableCodes is the set of status codes classified as transient.
// Anything else is a permanent failure.
var retryableCodes = map[connect.Code]struct{}{
	connect.CodeDeadlineExceeded:  {},
	connect.CodeAborted:           {},
	connect.CodeInternal:          {},
	connect.CodeUnavailable:       {},
	connect.CodeUnknown:           {},
	connect.CodeResourceExhausted: {},
}

// IsRetryableCode reports whether code is in the retryable set.
func IsRetryableCode(code connect.Code) bool {
	_, ok := retryableCodes[code]
	return ok
}

// IsRetryable reports whether err, classified via connect.CodeOf, is
// retryable. Errors with no attached connect.Error default to
// connect.CodeUnknown, which is itself retryable - a bare error (e.g. from
// a mock transport in tests) is treated as transient, matching the
// service's assumption that unclassified failures are worth one more try.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return IsRetryableCode(connect.CodeOf(err))
}

// DefaultRetryPolicy retries every retryable error, optionally up to
// MaxAttempts times (0 means unlimited), mirroring a reference restart
// config's MaxRetries field.
type DefaultRetryPolicy struct {
	MaxAttempts int

	attempts int
}

// NewDefaultRetryPolicy returns a RetryPolicyFactory producing a
// DefaultRetryPolicy with the given attempt cap.
func NewDefaultRetryPolicy(maxAttempts int) RetryPolicyFactory {
	return func() RetryPolicy {
		return &DefaultRetryPolicy{MaxAttempts: maxAttempts}
	}
}

// OnFailure implements RetryPolicy.
func (p *DefaultRetryPolicy) OnFailure(err error) bool {
	if !IsRetryable(err) {
		return false
	}
	p.attempts++
	if p.MaxAttempts > 0 && p.attempts > p.MaxAttempts {
		return false
	}
	return true
}

// ExponentialBackoff doubles (by Multiplier) after every attempt, clamped
// to Max, mirroring DefaultRestartConfig's InitialBackoff/MaxBackoff/
// BackoffMultiplier.
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	current time.Duration
}

// NewExponentialBackoff returns a BackoffPolicyFactory with the given
// parameters.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64) BackoffPolicyFactory {
	return func() BackoffPolicy {
		return &ExponentialBackoff{Initial: initial, Max: max, Multiplier: multiplier}
	}
}

// Next implements BackoffPolicy.
func (b *ExponentialBackoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
		return b.current
	}
	b.current = time.Duration(float64(b.current) * b.Multiplier)
	if b.current > b.Max {
		b.current = b.Max
	}
	return b.current
}

// RealSleeper sleeps in real time, honoring context cancellation. It is
// the production Sleeper; tests typically substitute an instant one.
func RealSleeper(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
