package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Client is a resilient HTTP client bound to one Destination. It owns the
// retry policy, circuit breaker, connection pool, rate limiter and stats
// for that destination; nothing is shared between clients.
//
// Create a Client using New():
//
//	client, err := upstream.New(
//	    upstream.LatencyCriticalDestination("pricing",
//	        "https://quotes-a.example.com", "https://quotes-b.example.com"),
//	)
//
//	var quote Quote
//	resp, err := client.Request("GetQuote").
//	    Decode(&quote).
//	    Get(ctx, "/v1/quotes/BTC-USD")
//
// Every call runs the same attempt pipeline: breaker gate, rate limit,
// pool acquire, per-attempt timeout, round trip, classify, release,
// breaker report. Failed attempts with a transient classification are
// retried with exponential backoff until the retry budget runs out.
type Client struct {
	dest   Destination
	cfg    *internalConfig
	policy RetryPolicy

	breaker *CircuitBreaker
	pool    *connPool
	gate    *rateGate
	stats   *destinationStats

	log        zerolog.Logger
	propagator propagation.TextMapPropagator
	baseAttrs  []attribute.KeyValue

	// flight deduplicates identical in-flight calls when coalescing is
	// enabled. Scoped to this client, never shared.
	flight singleflight.Group

	// poolMetrics is the observable instrument registration, released
	// on Close.
	poolMetrics metric.Registration

	closed atomic.Bool
}

// New creates a Client for the given destination.
//
// The destination is validated up front: a name, at least one absolute
// http(s) endpoint, and no duplicates. Zero-valued tuning fields fall
// back to package defaults.
//
// Example - order placement with auth and coalescing:
//
//	client, err := upstream.New(
//	    upstream.DefaultDestination("orders", "https://orders.example.com"),
//	    upstream.WithRequestInterceptor(upstream.AuthBearerFunc(tokenSource)),
//	    upstream.WithCoalescing(),
//	)
func New(dest Destination, opts ...Option) (*Client, error) {
	if err := dest.validate(); err != nil {
		return nil, err
	}
	cfg := newConfig(opts...)

	c := &Client{
		dest:   dest,
		cfg:    cfg,
		policy: NewRetryPolicy(dest.Retry),
		gate:   newRateGate(dest.RateLimit),
		stats:  newDestinationStats(),
		log:    cfg.Logger.With().Str("destination", dest.Name).Logger(),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
		baseAttrs: []attribute.KeyValue{attribute.String("destination", dest.Name)},
	}

	// Chain breaker transitions into logging and metrics before any
	// caller-provided hook.
	bcfg := dest.Breaker
	userHook := bcfg.OnStateChange
	bcfg.OnStateChange = func(name string, from, to BreakerState) {
		c.log.Warn().
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("breaker state change")
		c.cfg.Metrics.recordBreakerTransition(context.Background(), from, to, c.baseAttrs)
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	c.breaker = NewCircuitBreaker(dest.Name, bcfg)

	c.pool = newConnPool(dest.Endpoints, dest.Pool, c.log)

	if reg, err := registerPoolMetrics(cfg.Meter, c.pool, c.baseAttrs); err != nil {
		c.log.Debug().Err(err).Msg("pool metrics registration failed")
	} else {
		c.poolMetrics = reg
	}

	return c, nil
}

// Request creates a new RequestBuilder for the given operation name.
//
// The operation name is used for span naming, debug logging and metrics
// labeling.
//
// Example:
//
//	resp, err := client.Request("PlaceOrder").
//	    Path("/v1/orders").
//	    Body(order).
//	    Post(ctx)
func (c *Client) Request(operationName string) *RequestBuilder {
	return &RequestBuilder{
		client:        c,
		operationName: operationName,
		headers:       make(http.Header),
		pathParams:    make(map[string]string),
	}
}

// Execute performs one logical call with retries, returning the response
// or a classified *Error carrying the final classification, the attempt
// count, and the last response when one exists.
//
// Decode targets set on the builder are applied here, after the network
// call: a 2xx body that fails to decode surfaces as a parse error and is
// never retried.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	operation := operationName(req)

	if c.closed.Load() {
		return nil, c.newError(ClassClientError, "", 0, nil, ErrClientClosed)
	}

	var resp *Response
	var err error
	if c.cfg.Coalesce && req.coalescable() {
		resp, err = c.callCoalesced(ctx, req)
	} else {
		resp, err = c.call(ctx, req)
	}

	elapsed := time.Since(start)
	c.cfg.Metrics.recordCallDuration(ctx, elapsed, c.attrs(operation))

	if err != nil {
		finalClass := ClassOf(err)
		attempts := 0
		var ue *Error
		if errors.As(err, &ue) {
			attempts = ue.Attempts
			if ue.Response != nil && req.errorResult != nil {
				ue.Response.errorResult = req.errorResult
				_ = ue.Response.decode()
			}
		}
		// A failure that was still retryable means the budget ran out.
		exhausted := finalClass.Transient()
		c.stats.recordCall(false, exhausted)
		if exhausted {
			c.cfg.Metrics.recordRetriesExhausted(ctx, c.attrs(operation))
		}
		logCall(c.log, operation, attempts, finalClass, elapsed, err)
		return nil, err
	}

	resp.result = req.result
	resp.errorResult = req.errorResult
	if derr := resp.decode(); derr != nil {
		c.stats.recordClass(ClassParseError)
		c.stats.recordCall(false, false)
		perr := c.newError(ClassParseError, resp.endpoint, resp.attempts, resp, derr)
		logCall(c.log, operation, resp.attempts, ClassParseError, elapsed, perr)
		return resp, perr
	}

	c.stats.recordCall(true, false)
	logCall(c.log, operation, resp.attempts, ClassSuccess, elapsed, nil)
	return resp, nil
}

// call runs the retry loop for one network execution. Coalesced callers
// share a single call.
func (c *Client) call(ctx context.Context, req *Request) (*Response, error) {
	operation := operationName(req)

	ctx, span := c.cfg.Tracer.Start(ctx, "HTTP "+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(c.attrs(operation)...),
	)
	defer span.End()

	// One request ID for the whole call, reused across attempts so the
	// upstream can correlate retries.
	requestID := uuid.NewString()

	attempt := 0
	lastEndpoint := ""

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(newPolicyBackOff(c.policy)),
		backoff.WithMaxTries(uint(c.policy.MaxAttempts())),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Debug().
				Int("attempt", attempt).
				Dur("delay_ms", next).
				Err(err).
				Msg("retrying")
		}),
	}
	if met := c.policy.MaxElapsedTime(); met > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxElapsedTime(met))
	}

	resp, err := backoff.Retry(ctx, func() (*Response, error) {
		attempt++
		resp, err := c.attempt(ctx, req, operation, requestID, attempt)
		if err == nil {
			lastEndpoint = resp.endpoint
			return resp, nil
		}
		var ue *Error
		if errors.As(err, &ue) && ue.Endpoint != "" {
			lastEndpoint = ue.Endpoint
		}
		if c.policy.ShouldRetry(attempt, ClassOf(err)) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}, retryOpts...)

	if err != nil {
		// Context cancellation during a backoff wait surfaces as a bare
		// context error; fold it into the classified error shape.
		var ue *Error
		if !errors.As(err, &ue) {
			err = c.newError(ClassOf(err), lastEndpoint, attempt, nil, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("http.attempts", attempt),
		attribute.Int("http.response.status_code", resp.StatusCode),
	)
	return resp, nil
}

// attempt performs exactly one attempt: breaker gate, rate limit, pool
// acquire, timed round trip, classification, release and reporting. All
// observable side effects (stats, metrics, log) fire here regardless of
// outcome.
func (c *Client) attempt(
	ctx context.Context,
	req *Request,
	operation, requestID string,
	attempt int,
) (*Response, error) {
	start := time.Now()

	gen, err := c.breaker.Allow()
	if err != nil {
		c.stats.recordBreakerRejection()
		c.cfg.Metrics.recordBreakerRejection(ctx, c.attrs(operation))
		c.observe(ctx, operation, attemptRecord{
			attempt: attempt,
			class:   ClassBreakerOpen,
			err:     err,
		})
		return nil, c.newError(ClassBreakerOpen, "", attempt, nil, err)
	}

	// Local gates after the breaker: a rejected call should not consume
	// rate tokens, and a gate rejection must not count against the
	// dependency.
	if err := c.gate.take(ctx); err != nil {
		c.breaker.ReportAbort(gen)
		class := ClassOf(err)
		c.observe(ctx, operation, attemptRecord{
			attempt: attempt,
			elapsed: time.Since(start),
			class:   class,
			err:     err,
		})
		return nil, c.newError(class, "", attempt, nil, err)
	}

	conn, err := c.pool.acquire(ctx, attempt == 1)
	if err != nil {
		c.breaker.ReportAbort(gen)
		class := ClassOf(err)
		c.observe(ctx, operation, attemptRecord{
			attempt: attempt,
			elapsed: time.Since(start),
			class:   class,
			err:     err,
		})
		return nil, c.newError(class, "", attempt, nil, err)
	}

	attemptCtx := ctx
	if c.dest.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.dest.Timeout)
		defer cancel()
	}

	httpReq, err := req.httpRequest(attemptCtx, conn.endpoint)
	if err != nil {
		c.pool.release(conn, ClassClientError)
		c.breaker.ReportAbort(gen)
		c.observe(ctx, operation, attemptRecord{
			attempt:  attempt,
			endpoint: conn.endpoint,
			elapsed:  time.Since(start),
			class:    ClassClientError,
			err:      err,
		})
		return nil, c.newError(ClassClientError, conn.endpoint, attempt, nil, err)
	}

	// Destination defaults never override request-specific headers.
	for k, v := range c.dest.Headers {
		if httpReq.Header.Get(k) == "" {
			httpReq.Header.Set(k, v)
		}
	}
	httpReq.Header.Set("X-Request-ID", requestID)
	c.propagator.Inject(attemptCtx, propagation.HeaderCarrier(httpReq.Header))

	if ierr := c.cfg.Interceptors.ApplyRequest(httpReq); ierr != nil {
		c.pool.release(conn, ClassClientError)
		c.breaker.ReportAbort(gen)
		c.observe(ctx, operation, attemptRecord{
			attempt:  attempt,
			endpoint: conn.endpoint,
			elapsed:  time.Since(start),
			class:    ClassClientError,
			err:      ierr,
		})
		return nil, c.newError(ClassClientError, conn.endpoint, attempt, nil, ierr)
	}

	var httpResp *http.Response
	if cerr := c.cfg.Chaos.inject(attemptCtx); cerr != nil {
		err = cerr
	} else {
		httpResp, err = c.transportFor(conn).RoundTrip(httpReq)
	}

	if err == nil {
		if rerr := c.cfg.Interceptors.ApplyResponse(httpResp, httpReq); rerr != nil {
			io.Copy(io.Discard, httpResp.Body) //nolint:errcheck
			httpResp.Body.Close()
			httpResp = nil
			err = rerr
		}
	}

	// Drain before release so the connection is reusable; a failure
	// mid-body is a failure of the exchange.
	var body []byte
	if err == nil {
		body, err = io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		if err != nil {
			httpResp = nil
		}
	}

	elapsed := time.Since(start)
	class := Classify(httpResp, err)
	c.pool.release(conn, class)
	c.breaker.Report(gen, class)

	status := 0
	if httpResp != nil {
		status = httpResp.StatusCode
	}
	c.observe(ctx, operation, attemptRecord{
		attempt:  attempt,
		endpoint: conn.endpoint,
		elapsed:  elapsed,
		class:    class,
		status:   status,
		err:      err,
	})

	var resp *Response
	if httpResp != nil {
		resp = &Response{
			Response: httpResp,
			body:     body,
			attempts: attempt,
			endpoint: conn.endpoint,
		}
	}
	if class == ClassSuccess {
		return resp, nil
	}
	return nil, c.newError(class, conn.endpoint, attempt, resp, err)
}

// observe fires the per-attempt side effects: debug log, OTel metrics,
// stats counters and the latency window.
func (c *Client) observe(ctx context.Context, operation string, rec attemptRecord) {
	logAttempt(c.log, operation, rec)

	attrs := make([]attribute.KeyValue, 0, len(c.baseAttrs)+2)
	attrs = append(attrs, c.baseAttrs...)
	attrs = append(attrs,
		attribute.String("operation", operation),
		attribute.String("class", rec.class.String()),
	)
	c.cfg.Metrics.recordAttempt(ctx, rec.elapsed, attrs)
	c.stats.recordAttempt(rec.class, rec.elapsed)
}

// attrs returns the metric attributes for this client plus the operation.
func (c *Client) attrs(operation string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(c.baseAttrs)+1)
	attrs = append(attrs, c.baseAttrs...)
	return append(attrs, attribute.String("operation", operation))
}

// transportFor returns the round tripper for one attempt: the configured
// override when set, otherwise the connection's own transport.
func (c *Client) transportFor(conn *pooledConn) http.RoundTripper {
	if c.cfg.Transport != nil {
		return c.cfg.Transport
	}
	return conn.transport
}

func (c *Client) newError(class Class, endpoint string, attempts int, resp *Response, err error) *Error {
	return &Error{
		Class:       class,
		Destination: c.dest.Name,
		Endpoint:    endpoint,
		Attempts:    attempts,
		Response:    resp,
		Err:         err,
	}
}

// operationName returns the label for logging, spans and metrics.
func operationName(r *Request) string {
	if r.Operation != "" {
		return r.Operation
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + r.Path
}

// Name returns the destination name this client is bound to.
func (c *Client) Name() string {
	return c.dest.Name
}

// Healthy reports whether the client is accepting calls: not closed and
// the breaker is not open.
func (c *Client) Healthy() bool {
	return !c.closed.Load() && c.breaker.State() != StateOpen
}

// Stats returns a snapshot of call and attempt counters plus latency
// percentiles over the recent window.
func (c *Client) Stats() Stats {
	return c.stats.snapshot()
}

// BreakerState returns the current circuit breaker state.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// BreakerCounts returns the breaker's internal counters.
func (c *Client) BreakerCounts() BreakerCounts {
	return c.breaker.Counts()
}

// PoolStats returns an occupancy snapshot of the connection pool.
func (c *Client) PoolStats() PoolStats {
	return c.pool.stats()
}

// RateLimiterStats returns a snapshot of the local rate limiter.
func (c *Client) RateLimiterStats() RateLimiterStats {
	return c.gate.stats()
}

// EvictIdle closes idle connections that have exceeded the pool's
// MaxIdleTime. The background sweep calls this on its own interval.
func (c *Client) EvictIdle() {
	c.pool.evictIdle()
}

// HealthCheckNow probes idle connections immediately, closing any that
// fail. The background sweep calls this on its own interval.
func (c *Client) HealthCheckNow(ctx context.Context) {
	c.pool.healthCheckNow(ctx)
}

// Close releases the pool and unregisters metric callbacks. Idempotent;
// calls after Close fail with a client-error classification.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if c.poolMetrics != nil {
		err = c.poolMetrics.Unregister()
	}
	c.pool.close()
	return err
}
