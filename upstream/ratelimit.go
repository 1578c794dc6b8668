package upstream

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures local rate limiting for one destination.
// The limiter is owned by the destination's Client; there is no shared or
// global limiter state.
type RateLimitConfig struct {
	// RequestsPerSecond is the maximum sustained request rate.
	// Zero disables rate limiting for the destination.
	RequestsPerSecond float64

	// Burst is the maximum number of requests allowed in a burst.
	// This allows brief spikes above the sustained rate.
	// Default: 1
	Burst int

	// WaitOnLimit determines behavior when the limit is hit.
	// If true, calls wait for a token (respecting the context deadline).
	// If false, calls immediately fail with a rate-limited classification
	// and no network activity.
	WaitOnLimit bool
}

// DefaultRateLimitConfig returns a sensible default:
// 100 requests per second with a burst of 10, waiting on limit.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             10,
		WaitOnLimit:       true,
	}
}

// rateGate wraps a token bucket for one destination. A nil gate admits
// every call, so a zero RateLimitConfig costs nothing per attempt.
type rateGate struct {
	limiter *rate.Limiter
	wait    bool
}

func newRateGate(cfg RateLimitConfig) *rateGate {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &rateGate{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		wait:    cfg.WaitOnLimit,
	}
}

// take obtains one token. In wait mode it blocks until a token is available
// or ctx expires; in fail-fast mode it returns ErrRateLimited immediately
// when the bucket is empty.
func (g *rateGate) take(ctx context.Context) error {
	if g == nil {
		return nil
	}

	if g.wait {
		if err := g.limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return err
			}
			return ErrRateLimited
		}
		return nil
	}

	if !g.limiter.Allow() {
		return ErrRateLimited
	}
	return nil
}

// RateLimiterStats provides visibility into rate limiter state.
type RateLimiterStats struct {
	// Limit is the maximum sustained rate per second.
	Limit float64
	// Burst is the maximum burst size.
	Burst int
	// TokensAvailable is the current number of tokens.
	TokensAvailable float64
}

// stats snapshots the limiter; a nil gate reports zeroes.
func (g *rateGate) stats() RateLimiterStats {
	if g == nil {
		return RateLimiterStats{}
	}
	return RateLimiterStats{
		Limit:           float64(g.limiter.Limit()),
		Burst:           g.limiter.Burst(),
		TokensAvailable: g.limiter.Tokens(),
	}
}
