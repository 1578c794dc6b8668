// Package upstream provides a resilient HTTP client layer for services
// that depend on flaky upstreams: per-destination retries, circuit
// breaking, connection pooling with endpoint failover, local rate
// limiting, and OpenTelemetry instrumentation.
//
// # Features
//
//   - Semantic error classification (timeout, connection error, server
//     error, client error, rate limited, parse error)
//   - Automatic retries with exponential backoff and jitter, driven by
//     the classification: transient classes retry, permanent classes stop
//   - Per-destination circuit breaker with single-probe half-open state
//   - Connection pool with overflow, idle eviction, background health
//     probes and sticky endpoint failover
//   - Local token-bucket rate limiting per destination
//   - OpenTelemetry tracing and metrics, zerolog debug logging
//   - Request coalescing for identical in-flight GETs
//
// # Quick Start
//
// One Client per destination. A destination names the dependency and
// lists its endpoints in failover order:
//
//	client, err := upstream.New(
//	    upstream.DefaultDestination("pricing",
//	        "https://quotes-a.example.com",
//	        "https://quotes-b.example.com"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	var quote Quote
//	resp, err := client.Request("GetQuote").
//	    Decode(&quote).
//	    Get(ctx, "/v1/quotes/BTC-USD")
//
// # Destination Presets
//
// Pre-tuned destinations for common call patterns:
//
//	// Price feeds: tight timeouts, fast retries, trigger-happy breaker.
//	upstream.LatencyCriticalDestination("pricing", endpoints...)
//
//	// Batch and reporting traffic: generous timeouts, patient breaker.
//	upstream.BestEffortDestination("settlement", endpoints...)
//
// Every tuning knob stays overridable after construction:
//
//	dest := upstream.DefaultDestination("orders", "https://orders.example.com")
//	dest.Timeout = 3 * time.Second
//	dest.Retry.MaxAttempts = 2
//
// # Error Classification
//
// Every attempt outcome maps to a Class. Transient classes (timeout,
// connection error, server error, rate limited) are retried; permanent
// classes (client error, parse error) and local protective rejections
// (breaker open, pool exhausted) fail the call immediately. Failed calls
// return *Error:
//
//	resp, err := client.Request("PlaceOrder").Body(order).Post(ctx, "/v1/orders")
//	var uerr *upstream.Error
//	if errors.As(err, &uerr) {
//	    log.Printf("class=%s attempts=%d", uerr.Class, uerr.Attempts)
//	}
//
// # Circuit Breaker
//
// Consecutive failures trip the breaker per destination. While open,
// calls fail locally with ErrBreakerOpen and cost no network traffic.
// After the open timeout a single probe is admitted; concurrent callers
// keep failing fast until the probe train closes the breaker again.
//
// # Connection Pool and Failover
//
// Connections are pooled per destination with a hard cap of
// MaxConnections + MaxOverflow across all endpoints. Idle connections
// are health-probed and evicted in the background. Repeated transport
// failures on the active endpoint fail the pool over to the next one;
// traffic then sticks to the new endpoint until it fails in turn.
//
// # Observability
//
// The client emits:
//
// Metrics:
//   - upstream.client.attempt.duration (histogram)
//   - upstream.client.call.duration (histogram)
//   - upstream.client.attempts (counter, by class)
//   - upstream.client.retry.exhausted (counter)
//   - upstream.client.breaker.rejections (counter)
//   - upstream.client.breaker.transitions (counter)
//   - upstream.pool.connections.in_use / .idle, upstream.pool.waiters (gauges)
//
// Traces: one client span per call with attempt count and final status.
// In-process counters and latency percentiles are available without a
// metrics backend via client.Stats().
//
// # Testing
//
// MockTransport replaces the wire while keeping the breaker, pool and
// retry machinery engaged:
//
//	mock := upstream.NewMockTransport().
//	    QueueStatus(http.StatusServiceUnavailable, "").
//	    QueueStatus(http.StatusOK, `{"bid":"42"}`)
//	client, err := upstream.New(dest, upstream.WithTransport(mock))
package upstream
