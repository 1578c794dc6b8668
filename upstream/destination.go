package upstream

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout is the default per-attempt deadline.
const DefaultTimeout = 5 * time.Second

// Destination describes one logical upstream dependency: a price oracle, an
// order-placement venue, a telemetry sink. It is pure configuration; the
// Client copies it at construction and never mutates it.
//
// Endpoints are ordered, primary first. The remainder are used only on
// failover (see PoolConfig.FailoverStreak).
type Destination struct {
	// Name identifies the destination in logs, metrics and errors.
	Name string

	// Endpoints is the ordered list of base URLs, primary first.
	// Each must be an absolute http(s) URL without trailing slash.
	Endpoints []string

	// Timeout is the per-attempt deadline. The retry budget, not this
	// timeout, bounds the overall call.
	// Default: 5s
	Timeout time.Duration

	// Retry configures the retry policy (see RetryConfig).
	Retry RetryConfig

	// Breaker configures the circuit breaker (see BreakerConfig).
	Breaker BreakerConfig

	// Pool configures the connection pool (see PoolConfig).
	Pool PoolConfig

	// RateLimit configures local rate limiting; the zero value disables it.
	RateLimit RateLimitConfig

	// Headers are static headers attached to every request, e.g. an API
	// key. Per-request headers take precedence on conflict.
	Headers map[string]string
}

// DefaultDestination returns a balanced configuration suitable for most
// HTTP dependencies: 4 attempts, 5 failures to trip the breaker, a pool of
// 10 connections with 5 overflow.
func DefaultDestination(name string, endpoints ...string) Destination {
	return Destination{
		Name:      name,
		Endpoints: endpoints,
		Timeout:   DefaultTimeout,
		Retry:     DefaultRetryConfig(),
		Breaker:   DefaultBreakerConfig(),
		Pool:      DefaultPoolConfig(),
	}
}

// LatencyCriticalDestination returns a configuration for dependencies on
// the hot path, such as an order-execution venue: tight per-attempt
// deadlines, more attempts with small delays, a breaker that trips and
// recovers fast, and a larger pool.
//
// The overall worst case stays small: 6 attempts bounded by 250ms delays
// and 2s per-attempt timeouts.
func LatencyCriticalDestination(name string, endpoints ...string) Destination {
	d := DefaultDestination(name, endpoints...)
	d.Timeout = 2 * time.Second
	d.Retry = RetryConfig{
		MaxAttempts:  6,
		BaseDelay:    50 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     250 * time.Millisecond,
		JitterFactor: DefaultJitterFactor,
	}
	d.Breaker = BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      5 * time.Second,
	}
	d.Pool.MaxConnections = 20
	d.Pool.MaxOverflow = 10
	d.Pool.HealthCheckInterval = 15 * time.Second
	return d
}

// BestEffortDestination returns a configuration for dependencies whose
// calls may fail for a cycle without harm, such as a telemetry sink: few
// attempts with large delays, a tolerant breaker, and a small pool.
func BestEffortDestination(name string, endpoints ...string) Destination {
	d := DefaultDestination(name, endpoints...)
	d.Timeout = 10 * time.Second
	d.Retry = RetryConfig{
		MaxAttempts:  2,
		BaseDelay:    2 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
		JitterFactor: DefaultJitterFactor,
	}
	d.Breaker = BreakerConfig{
		FailureThreshold: 10,
		SuccessThreshold: 1,
		OpenTimeout:      60 * time.Second,
	}
	d.Pool.MaxConnections = 2
	d.Pool.MaxOverflow = 2
	return d
}

// validate reports configuration errors a Client cannot work around.
func (d Destination) validate() error {
	if d.Name == "" {
		return errors.New("destination name is required")
	}
	if len(d.Endpoints) == 0 {
		return fmt.Errorf("destination %q: at least one endpoint is required", d.Name)
	}
	seen := make(map[string]struct{}, len(d.Endpoints))
	for _, ep := range d.Endpoints {
		u, err := url.Parse(ep)
		if err != nil {
			return fmt.Errorf("destination %q: invalid endpoint %q: %w", d.Name, ep, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("destination %q: endpoint %q must be http or https", d.Name, ep)
		}
		if u.Host == "" {
			return fmt.Errorf("destination %q: endpoint %q has no host", d.Name, ep)
		}
		if strings.HasSuffix(ep, "/") {
			return fmt.Errorf("destination %q: endpoint %q must not end with a slash", d.Name, ep)
		}
		if _, dup := seen[ep]; dup {
			return fmt.Errorf("destination %q: duplicate endpoint %q", d.Name, ep)
		}
		seen[ep] = struct{}{}
	}
	return nil
}
