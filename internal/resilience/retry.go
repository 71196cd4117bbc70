package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jokh38/mqi-interface/internal/metrics"
)

// Policy is a stateless backoff schedule. It decides nothing about what
// failed; it only answers "try again?" and "after how long?".
type Policy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

// DefaultPolicy mirrors the documented defaults: 3 attempts, 1s base,
// 60s cap, doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
	}
}

// Delay returns the backoff before retrying after failed attempt n
// (1-indexed): min(maxDelay, baseDelay * base^(n-1)), jittered by up to 10%
// when enabled.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	expBase := p.ExponentialBase
	if expBase < 1 {
		expBase = 2.0
	}
	d := time.Duration(float64(base) * math.Pow(expBase, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		d += time.Duration(rand.Int63n(int64(d)/10 + 1))
	}
	return d
}

// ShouldRetry reports whether another attempt is allowed after attempt n
// failed.
func (p Policy) ShouldRetry(attempt int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = 3
	}
	return attempt < max
}

// Do runs op under the breaker and the retry policy. The breaker is
// consulted before every attempt; each attempt's outcome is recorded back
// into it. Transient errors are retried per policy, permanent errors (see
// Permanent) and breaker rejections surface immediately. The last error is
// returned once attempts are exhausted.
func Do(ctx context.Context, breaker *Breaker, policy Policy, op func(ctx context.Context) error) error {
	attempt := 0
	for {
		attempt++
		if breaker != nil {
			if err := breaker.Allow(); err != nil {
				metrics.BreakerRejectionsTotal.Inc()
				return err
			}
		}
		err := op(ctx)
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return nil
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			// The call reached the remote side and was answered; the
			// transport is healthy even though the operation failed.
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return perm.Unwrap()
		}
		if breaker != nil {
			breaker.RecordFailure()
		}
		if !policy.ShouldRetry(attempt) {
			return err
		}
		delay := policy.Delay(attempt)
		logrus.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).WithError(err).Warn("transient failure, retrying")
		metrics.RemoteRetriesTotal.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// PermanentError wraps an error that must not be retried or counted against
// the breaker, such as a remote command exiting non-zero.
type PermanentError struct {
	Err error
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }
