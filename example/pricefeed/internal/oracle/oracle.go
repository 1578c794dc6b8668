// Package oracle fetches spot quotes from the price oracle through a
// resilient upstream client.
package oracle

import (
	"context"
	"time"

	"github.com/breakwater-labs/breakwater-go/example/pricefeed/internal/config"
	"github.com/breakwater-labs/breakwater-go/upstream"
	"github.com/rs/zerolog"
)

// Quote is one spot price as the oracle reports it.
type Quote struct {
	Pair     string    `json:"pair" db:"pair"`
	Price    float64   `json:"price" db:"price"`
	QuotedAt time.Time `json:"quoted_at" db:"quoted_at"`
}

// Feed wraps the oracle API. Spot quotes are latency critical: a
// stale price is worse than no price, so the client uses the
// latency-critical preset with coalescing for concurrent pulls of the
// same pair.
type Feed struct {
	client *upstream.Client
}

// New builds a Feed against the configured oracle endpoints.
func New(cfg config.Config, log zerolog.Logger) (*Feed, error) {
	dest := upstream.LatencyCriticalDestination(cfg.OracleName, cfg.OracleEndpoints...)
	client, err := upstream.New(dest,
		upstream.WithLogger(log),
		upstream.WithCoalescing(),
	)
	if err != nil {
		return nil, err
	}
	return &Feed{client: client}, nil
}

// Spot fetches the current quote for one pair, e.g. "BTC-USD".
func (f *Feed) Spot(ctx context.Context, pair string) (Quote, error) {
	var quote Quote
	_, err := f.client.Request("spot_quote").
		Path("/v1/spot/{pair}").
		PathParam("pair", pair).
		Decode(&quote).
		Get(ctx)
	if err != nil {
		return Quote{}, err
	}
	return quote, nil
}

// Client exposes the underlying upstream client for health checks and
// state snapshots.
func (f *Feed) Client() *upstream.Client {
	return f.client
}

// Close releases the client's pooled connections.
func (f *Feed) Close() error {
	return f.client.Close()
}
