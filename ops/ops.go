// Package ops exposes the operational surface of a process built on
// this module: health checks, Prometheus metrics and live state
// snapshots, mounted on one chi router.
//
//	h := ops.New(
//	    ops.WithServiceName("pricefeed"),
//	    ops.WithVersion("1.4.0"),
//	)
//	h.AddHealthCheck("oracle", func(ctx context.Context) error {
//	    if !oracleClient.Healthy() {
//	        return errors.New("circuit breaker open")
//	    }
//	    return nil
//	})
//	h.AddStateProvider("oracle_pool", func() any { return oracleClient.PoolStats() })
//
//	http.ListenAndServe(":9090", h.Router())
//
// Routes:
//
//	GET /healthz        run all checks; 200 when all pass, 503 otherwise
//	GET /metrics        Prometheus exposition
//	GET /state          every registered state snapshot
//	GET /state/{name}   one snapshot, 404 for unknown names
package ops

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// DefaultCheckTimeout bounds each health check invocation.
const DefaultCheckTimeout = 5 * time.Second

// Handler holds the registered checks and state providers and serves
// the ops routes. All methods are safe for concurrent use.
type Handler struct {
	service      string
	version      string
	checkTimeout time.Duration
	metrics      http.Handler
	log          zerolog.Logger
	startTime    time.Time

	mu        sync.Mutex
	checks    map[string]*checkState
	providers map[string]StateFunc
}

// Option configures a Handler.
type Option func(*Handler)

// WithServiceName sets the service name reported by /healthz.
func WithServiceName(name string) Option {
	return func(h *Handler) {
		h.service = name
	}
}

// WithVersion sets the version reported by /healthz.
func WithVersion(version string) Option {
	return func(h *Handler) {
		h.version = version
	}
}

// WithLogger sets the handler's logger. The default discards
// everything.
func WithLogger(log zerolog.Logger) Option {
	return func(h *Handler) {
		h.log = log
	}
}

// WithCheckTimeout bounds each individual health check.
// Default: 5s
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.checkTimeout = d
	}
}

// WithMetricsHandler replaces the /metrics handler, e.g. to expose a
// non-default Prometheus registry.
func WithMetricsHandler(handler http.Handler) Option {
	return func(h *Handler) {
		h.metrics = handler
	}
}

// New builds an ops Handler.
func New(opts ...Option) *Handler {
	h := &Handler{
		service:      "unknown",
		checkTimeout: DefaultCheckTimeout,
		metrics:      promhttp.Handler(),
		log:          zerolog.Nop(),
		startTime:    time.Now(),
		checks:       make(map[string]*checkState),
		providers:    make(map[string]StateFunc),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns a chi router serving the ops routes. Mount it on its
// own listener or under a prefix of the application router.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", h.metrics)
	r.Get("/state", h.handleState)
	r.Get("/state/{name}", h.handleStateOne)
	return r
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already written; nothing to send but a log line.
		log.Error().Err(err).Int("status_code", statusCode).Msg("ops response encoding failed")
	}
}
