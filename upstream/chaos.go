package upstream

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// ChaosConfig configures fault injection for exercising resilience paths.
//
// Chaos injection simulates failures in development/staging environments to
// verify that retry logic, circuit breakers and failover behave correctly
// before the real dependency misbehaves in production.
//
// Example usage:
//
//	client, err := upstream.New(dest, upstream.WithChaos(upstream.ChaosConfig{
//	    LatencyMs: 200, // add 200ms delay
//	    ErrorRate: 0.1, // 10% of attempts fail
//	}))
type ChaosConfig struct {
	// LatencyMs adds a fixed delay (in milliseconds) to every attempt.
	// This simulates network latency or a slow upstream.
	// Default: 0 (no added latency)
	LatencyMs int

	// LatencyJitterMs adds random jitter (0 to LatencyJitterMs) on top of
	// LatencyMs, for more realistic latency patterns.
	// Default: 0 (no jitter)
	LatencyJitterMs int

	// ErrorRate is the probability (0.0-1.0) of injecting a connection
	// error instead of performing the attempt.
	// Default: 0.0 (no errors injected)
	ErrorRate float64

	// TimeoutRate is the probability (0.0-1.0) of simulating a timeout:
	// the attempt blocks until its deadline expires.
	// Default: 0.0 (no timeouts simulated)
	TimeoutRate float64
}

// errChaosInjected is the synthetic failure produced by ErrorRate. It
// classifies as a connection error, so retries and the breaker treat it
// like a real network failure.
var errChaosInjected = errors.New("chaos: injected connection failure")

// Delay returns the total delay to apply, including jitter.
func (c ChaosConfig) Delay() time.Duration {
	delay := time.Duration(c.LatencyMs) * time.Millisecond
	if c.LatencyJitterMs > 0 {
		delay += randomBetween(0, time.Duration(c.LatencyJitterMs)*time.Millisecond)
	}
	return delay
}

// ShouldInjectError returns true if an error should be injected based on ErrorRate.
func (c ChaosConfig) ShouldInjectError() bool {
	if c.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < c.ErrorRate //nolint:gosec
}

// ShouldInjectTimeout returns true if a timeout should be simulated based on TimeoutRate.
func (c ChaosConfig) ShouldInjectTimeout() bool {
	if c.TimeoutRate <= 0 {
		return false
	}
	return rand.Float64() < c.TimeoutRate //nolint:gosec
}

// inject applies the configured chaos ahead of one attempt: sleeps the
// configured latency, then either fails with a synthetic connection error,
// blocks until the attempt deadline (simulated timeout), or lets the
// attempt proceed. A nil receiver injects nothing.
func (c *ChaosConfig) inject(ctx context.Context) error {
	if c == nil {
		return nil
	}

	if delay := c.Delay(); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if c.ShouldInjectTimeout() {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.ShouldInjectError() {
		return errChaosInjected
	}
	return nil
}
