package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breakwater-labs/breakwater-go/example/pricefeed/internal/config"
	"github.com/breakwater-labs/breakwater-go/example/pricefeed/internal/oracle"
	"github.com/breakwater-labs/breakwater-go/example/pricefeed/internal/store"
	"github.com/breakwater-labs/breakwater-go/example/pricefeed/internal/telemetry"
	"github.com/breakwater-labs/breakwater-go/ops"
	"github.com/breakwater-labs/breakwater-go/upstream"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	ctx := context.Background()
	cfg := config.FromEnv()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", config.ServiceName).Logger()

	// 1. OpenTelemetry (tracing + metrics)
	shutdownTelemetry, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry setup failed")
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	// 2. Postgres store with a session pool on top
	st, err := store.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("store open failed")
	}
	defer st.Close() //nolint:errcheck
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	// 3. Resilient oracle client
	feed, err := oracle.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("oracle client failed")
	}
	defer feed.Close() //nolint:errcheck

	// 4. Ops endpoints: /healthz, /metrics, /state
	opsServer := &http.Server{
		Addr:    cfg.OpsAddr,
		Handler: opsRoutes(feed, st, log),
	}
	go func() {
		log.Info().Str("addr", cfg.OpsAddr).Msg("ops server listening")
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("ops server failed")
		}
	}()

	// 5. Poll loop with graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	tracer := otel.Tracer(config.ServiceName)
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	log.Info().
		Strs("pairs", cfg.Pairs).
		Strs("endpoints", cfg.OracleEndpoints).
		Dur("interval", cfg.PollInterval).
		Msg("pricefeed started")

	for {
		select {
		case <-ticker.C:
			pollOnce(ctx, tracer, log, cfg.Pairs, feed, st)
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := opsServer.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("ops server shutdown")
			}
			return
		}
	}
}

// opsRoutes registers health checks and live state snapshots for the
// two dependencies and returns the ops router.
func opsRoutes(feed *oracle.Feed, st *store.Store, log zerolog.Logger) http.Handler {
	h := ops.New(
		ops.WithServiceName(config.ServiceName),
		ops.WithVersion(config.ServiceVersion),
		ops.WithLogger(log),
	)
	h.AddHealthCheck("oracle", func(ctx context.Context) error {
		if client := feed.Client(); !client.Healthy() {
			return fmt.Errorf("circuit breaker %s", client.BreakerState())
		}
		return nil
	})
	h.AddHealthCheck("database", st.Ping)
	h.AddStateProvider("oracle_breaker", func() any {
		client := feed.Client()
		return map[string]any{
			"state":  client.BreakerState().String(),
			"counts": client.BreakerCounts(),
		}
	})
	h.AddStateProvider("oracle_pool", func() any { return feed.Client().PoolStats() })
	h.AddStateProvider("db_pool", func() any { return st.Pool().Stats() })
	return h.Router()
}

// pollOnce fetches and stores one quote per configured pair.
func pollOnce(
	ctx context.Context,
	tracer trace.Tracer,
	log zerolog.Logger,
	pairs []string,
	feed *oracle.Feed,
	st *store.Store,
) {
	ctx, span := tracer.Start(ctx, "poll_quotes")
	defer span.End()

	for _, pair := range pairs {
		quote, err := feed.Spot(ctx, pair)
		if err != nil {
			log.Warn().
				Err(err).
				Str("pair", pair).
				Stringer("class", upstream.ClassOf(err)).
				Msg("quote fetch failed")
			continue
		}
		if err := st.InsertQuote(ctx, quote); err != nil {
			log.Error().Err(err).Str("pair", pair).Msg("quote insert failed")
			continue
		}
		log.Info().
			Str("pair", quote.Pair).
			Float64("price", quote.Price).
			Time("quoted_at", quote.QuotedAt).
			Msg("quote stored")
	}
}
