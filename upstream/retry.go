package upstream

import (
	"math"
	"time"
)

// RetryConfig holds the retry behavior for one destination.
// Use DefaultRetryConfig() for balanced defaults, then modify as needed.
//
// Retries use exponential backoff with multiplicative jitter to prevent
// "thundering herd" problems when multiple clients retry simultaneously.
//
// Key concepts:
//   - MaxAttempts: total attempt budget, including the initial call.
//     MaxAttempts=4 means one call plus up to three retries.
//   - JitterFactor: randomization factor (0.0-1.0) applied to each delay.
//     A factor of 0.2 means delays vary ±20% (e.g., 1s becomes 0.8s-1.2s).
//
// Example usage:
//
//	cfg := upstream.DefaultRetryConfig()
//	cfg.MaxAttempts = 6
//	cfg.BaseDelay = 200 * time.Millisecond
//	dest := upstream.DefaultDestination("pricing", "https://api.pricing.internal")
//	dest.Retry = cfg
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Set to 1 to disable retries entirely.
	// Default: 4
	MaxAttempts int

	// BaseDelay is the delay after the first failed attempt. Subsequent
	// delays grow exponentially based on Multiplier.
	// Default: 500ms
	BaseDelay time.Duration

	// Multiplier controls exponential growth of retry delays.
	// Delay after attempt n = BaseDelay × Multiplier^(n-1).
	// Default: 2.0 (delays double each attempt)
	Multiplier float64

	// MaxDelay caps the delay between attempts. The cap is applied both
	// before and after jitter, so no computed delay ever exceeds it.
	// Default: 30s
	MaxDelay time.Duration

	// JitterFactor adds multiplicative randomization to each delay.
	// Value between 0.0 and 1.0; a negative value disables jitter.
	// Default: 0.2 (±20% randomization)
	JitterFactor float64

	// MaxElapsedTime is the total time budget for the entire attempt
	// sequence. Set to 0 (the default) for no budget: the caller's
	// context deadline is the overall bound.
	MaxElapsedTime time.Duration
}

// Default values for RetryConfig.
const (
	// DefaultMaxAttempts is the default total attempt budget.
	DefaultMaxAttempts = 4

	// DefaultBaseDelay is the default delay after the first failed attempt.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMultiplier is the default backoff multiplier.
	DefaultMultiplier = 2.0

	// DefaultMaxDelay is the default cap on the delay between attempts.
	DefaultMaxDelay = 30 * time.Second

	// DefaultJitterFactor is the default randomization factor.
	// 0.2 means ±20% randomization.
	DefaultJitterFactor = 0.2
)

// DefaultRetryConfig returns balanced defaults for general use.
//
// Configuration:
//   - 4 attempts with exponential backoff (500ms → 1s → 2s between them)
//   - ±20% jitter for storm prevention
//   - 30s delay cap, no overall time budget
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  DefaultMaxAttempts,
		BaseDelay:    DefaultBaseDelay,
		Multiplier:   DefaultMultiplier,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
	}
}

// NoRetryConfig returns configuration that disables retries entirely.
//
// Use this when the operation is not idempotent, or when retry decisions
// are made at a higher level.
func NoRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  1,
		JitterFactor: -1,
	}
}

// IsEnabled returns true if more than one attempt is allowed.
func (c RetryConfig) IsEnabled() bool {
	return c.MaxAttempts > 1
}

// RetryPolicy decides whether a failed attempt is retried and how long to
// wait before the next one. It is a pure value: safe to copy and safe for
// concurrent use.
type RetryPolicy struct {
	cfg RetryConfig
}

// NewRetryPolicy builds a policy from cfg, filling unset fields with the
// package defaults. A zero RetryConfig yields DefaultRetryConfig behavior.
func NewRetryPolicy(cfg RetryConfig) RetryPolicy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	switch {
	case cfg.JitterFactor == 0:
		cfg.JitterFactor = DefaultJitterFactor
	case cfg.JitterFactor < 0:
		cfg.JitterFactor = 0
	}
	return RetryPolicy{cfg: cfg}
}

// ShouldRetry reports whether another attempt should be made after the
// given attempt (1-indexed) failed with the given classification.
//
// Only transient classifications are retried: timeout, connection-error,
// server-error and rate-limited. client-error and parse-error are permanent;
// breaker-open and pool-exhausted are local protective rejections and are
// never retried at this level.
func (p RetryPolicy) ShouldRetry(attempt int, class Class) bool {
	if attempt >= p.cfg.MaxAttempts {
		return false
	}
	return class.Transient()
}

// DelayFor returns the jittered delay to wait after the given attempt
// (1-indexed) before the next one. The result never exceeds MaxDelay.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.Multiplier, float64(attempt-1))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}

	jittered := applyJitter(time.Duration(delay), p.cfg.JitterFactor)
	if jittered > p.cfg.MaxDelay {
		jittered = p.cfg.MaxDelay
	}
	return jittered
}

// MaxAttempts returns the total attempt budget.
func (p RetryPolicy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// MaxElapsedTime returns the overall time budget, zero when disabled.
func (p RetryPolicy) MaxElapsedTime() time.Duration {
	return p.cfg.MaxElapsedTime
}
