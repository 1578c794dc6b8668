package dbpool

import (
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// scope is the instrumentation scope name for OpenTelemetry.
const scope = "github.com/breakwater-labs/breakwater-go/dbpool"

// config holds the cross-cutting wiring of a Pool: logging, tracing and
// metrics providers, plus the attributes stamped on spans and metrics.
type config struct {
	Logger zerolog.Logger

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Metrics        *metrics

	// DBSystem identifies the database management system ("postgresql",
	// "mysql", ...). Added as the db.system attribute.
	DBSystem string

	// DBName is the database being accessed. Added as the db.name
	// attribute.
	DBName string

	// QuerySanitizer rewrites SQL before it is recorded on spans.
	QuerySanitizer func(query string) string

	// DisableQuery suppresses the db.statement span attribute entirely.
	DisableQuery bool
}

func newConfig(opts ...Option) *config {
	cfg := &config{
		Logger:         zerolog.Nop(),
		TracerProvider: otel.GetTracerProvider(),
		MeterProvider:  otel.GetMeterProvider(),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	cfg.Tracer = cfg.TracerProvider.Tracer(scope)
	cfg.Meter = cfg.MeterProvider.Meter(scope)
	cfg.Metrics, _ = newMetrics(cfg.Meter)

	return cfg
}

// Option configures a Pool beyond its Config: logger, telemetry
// providers, span attributes.
type Option func(*config)

// WithLogger sets the pool's logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(cfg *config) {
		cfg.Logger = log
	}
}

// WithTracerProvider sets a custom tracer provider.
// If not called, the global provider from otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *config) {
		cfg.TracerProvider = tp
	}
}

// WithMeterProvider sets a custom meter provider.
// If not called, the global provider from otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *config) {
		cfg.MeterProvider = mp
	}
}

// WithDBSystem sets the database system identifier (DBMS product),
// recorded as the db.system attribute on spans and metrics.
func WithDBSystem(system string) Option {
	return func(cfg *config) {
		cfg.DBSystem = system
	}
}

// WithDBName sets the database name, recorded as the db.name attribute
// on spans and metrics.
func WithDBName(name string) Option {
	return func(cfg *config) {
		cfg.DBName = name
	}
}

// WithQuerySanitizer sets a function that rewrites SQL text before it
// is recorded on spans. Use RedactQueryLiterals for a basic
// implementation that strips literal values.
func WithQuerySanitizer(fn func(string) string) Option {
	return func(cfg *config) {
		cfg.QuerySanitizer = fn
	}
}

// WithDisableQuery drops the db.statement attribute from spans
// entirely. The db.operation attribute (SELECT, INSERT, ...) is still
// recorded.
func WithDisableQuery() Option {
	return func(cfg *config) {
		cfg.DisableQuery = true
	}
}
