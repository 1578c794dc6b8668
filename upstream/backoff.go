package upstream

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Ensure the policy adapter implements the backoff.BackOff interface.
var _ backoff.BackOff = (*policyBackOff)(nil)

// policyBackOff adapts a RetryPolicy to the backoff.BackOff interface so
// Execute can drive its attempt loop with backoff.Retry. NextBackOff is
// called once per failed attempt; the adapter tracks the attempt number and
// delegates the delay math to the policy.
type policyBackOff struct {
	policy  RetryPolicy
	attempt int
}

func newPolicyBackOff(policy RetryPolicy) *policyBackOff {
	return &policyBackOff{policy: policy}
}

// Reset restarts attempt numbering. backoff.Retry calls this once before
// the first attempt.
func (b *policyBackOff) Reset() {
	b.attempt = 0
}

// NextBackOff returns the delay to wait after the attempt that just failed.
// The first call corresponds to attempt 1.
func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.policy.DelayFor(b.attempt)
}

// applyJitter applies multiplicative randomization to an interval.
// JitterFactor of 0.2 means the result will be in range [interval*0.8, interval*1.2].
func applyJitter(interval time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return interval
	}

	// Clamp jitter factor to [0, 1]
	if jitterFactor > 1 {
		jitterFactor = 1
	}

	delta := float64(interval) * jitterFactor
	minInterval := float64(interval) - delta
	maxInterval := float64(interval) + delta

	// Random value in [minInterval, maxInterval]
	//nolint:gosec // intentional weak rand for jitter (not cryptographic)
	return time.Duration(
		minInterval + rand.Float64()*(maxInterval-minInterval),
	)
}

// randomBetween returns a random duration between minDur and maxDur (inclusive).
//
//nolint:gosec // intentional weak rand for jitter (not cryptographic)
func randomBetween(minDur, maxDur time.Duration) time.Duration {
	if minDur >= maxDur {
		return minDur
	}
	return minDur + time.Duration(
		rand.Int64N(int64(maxDur-minDur)),
	)
}
