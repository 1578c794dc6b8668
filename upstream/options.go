package upstream

import (
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// scope is the instrumentation scope name for OpenTelemetry.
const scope = "github.com/breakwater-labs/breakwater-go/upstream"

// internalConfig holds cross-cutting client configuration injected through
// options. Destination-specific behavior (retry, breaker, pool, rate limit)
// lives on the Destination instead.
type internalConfig struct {
	// TracerProvider is the tracer provider to use.
	// If not set, uses the global provider via otel.GetTracerProvider().
	TracerProvider trace.TracerProvider

	// MeterProvider is the meter provider to use.
	// If not set, uses the global provider via otel.GetMeterProvider().
	MeterProvider metric.MeterProvider

	// Tracer is the tracer instance created from TracerProvider.
	Tracer trace.Tracer

	// Meter is the meter instance created from MeterProvider.
	Meter metric.Meter

	// Metrics holds the metric instruments.
	Metrics *metrics

	// Logger receives structured debug/info logs. Defaults to a no-op
	// logger so the client is silent unless asked not to be.
	Logger zerolog.Logger

	// Transport, when set, replaces the pooled per-connection transports
	// for the actual round trip. Pool accounting still applies. Intended
	// for tests (MockTransport) and tooling.
	Transport http.RoundTripper

	// Chaos, when set, injects artificial latency and failures ahead of
	// every network attempt.
	Chaos *ChaosConfig

	// Interceptors run before each attempt's request is sent and after
	// each response arrives.
	Interceptors InterceptorChain

	// Coalesce enables deduplication of identical in-flight GETs.
	Coalesce bool
}

// newConfig creates a new internal config with defaults and applies options.
func newConfig(opts ...Option) *internalConfig {
	cfg := &internalConfig{
		TracerProvider: otel.GetTracerProvider(),
		MeterProvider:  otel.GetMeterProvider(),
		Logger:         zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	// Initialize tracer and meter after options are applied
	cfg.Tracer = cfg.TracerProvider.Tracer(scope)
	cfg.Meter = cfg.MeterProvider.Meter(scope)

	// Initialize metrics (ignore errors, will just be nil if fails)
	cfg.Metrics, _ = newMetrics(cfg.Meter)

	return cfg
}

// Option configures a Client.
type Option func(*internalConfig)

// WithLogger sets the structured logger. The client logs every attempt at
// debug level, breaker transitions and failovers at info, and probe
// failures at warn.
//
// Example:
//
//	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
//	client, err := upstream.New(dest, upstream.WithLogger(log))
func WithLogger(log zerolog.Logger) Option {
	return func(cfg *internalConfig) {
		cfg.Logger = log
	}
}

// WithTracerProvider sets a custom OpenTelemetry TracerProvider.
// If not called, the global provider from otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *internalConfig) {
		cfg.TracerProvider = tp
	}
}

// WithMeterProvider sets a custom OpenTelemetry MeterProvider.
// If not called, the global provider from otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *internalConfig) {
		cfg.MeterProvider = mp
	}
}

// WithTransport overrides the transport used for round trips while keeping
// the pool, breaker and retry machinery in place. The main use is tests:
//
//	mock := upstream.NewMockTransport()
//	mock.StubStatus(http.MethodGet, "/quotes", http.StatusOK)
//	client, err := upstream.New(dest, upstream.WithTransport(mock))
func WithTransport(rt http.RoundTripper) Option {
	return func(cfg *internalConfig) {
		cfg.Transport = rt
	}
}

// WithChaos enables fault injection ahead of every network attempt: added
// latency, injected errors, injected timeouts. Useful for exercising retry
// and breaker behavior in staging.
//
// Example:
//
//	client, err := upstream.New(dest, upstream.WithChaos(upstream.ChaosConfig{
//	    ErrorRate: 0.1, // fail 10% of attempts
//	}))
func WithChaos(chaos ChaosConfig) Option {
	return func(cfg *internalConfig) {
		cfg.Chaos = &chaos
	}
}

// WithRequestInterceptor appends an interceptor that can modify each
// attempt's request before it is sent. This is where per-API auth schemes
// plug in without entering the resilience layer:
//
//	client, err := upstream.New(dest,
//	    upstream.WithRequestInterceptor(upstream.AuthBearerFunc(tokenSource)),
//	)
func WithRequestInterceptor(ri RequestInterceptor) Option {
	return func(cfg *internalConfig) {
		cfg.Interceptors.Request = append(cfg.Interceptors.Request, ri)
	}
}

// WithResponseInterceptor appends an interceptor that observes each
// response before classification.
func WithResponseInterceptor(ri ResponseInterceptor) Option {
	return func(cfg *internalConfig) {
		cfg.Interceptors.Response = append(cfg.Interceptors.Response, ri)
	}
}

// WithCoalescing deduplicates identical in-flight GET requests: concurrent
// callers asking for the same URL share one network call and each receive
// the response. Only safe-method requests are coalesced; the group is owned
// by this client, never shared between clients.
func WithCoalescing() Option {
	return func(cfg *internalConfig) {
		cfg.Coalesce = true
	}
}
