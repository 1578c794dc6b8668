// Package store persists quotes in Postgres through a dbpool session
// pool.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/breakwater-labs/breakwater-go/dbpool"
	"github.com/breakwater-labs/breakwater-go/example/pricefeed/internal/config"
	"github.com/breakwater-labs/breakwater-go/example/pricefeed/internal/oracle"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

const schema = `
	CREATE TABLE IF NOT EXISTS quotes (
		id        BIGSERIAL PRIMARY KEY,
		pair      TEXT NOT NULL,
		price     NUMERIC NOT NULL,
		quoted_at TIMESTAMPTZ NOT NULL
	)
`

// Store owns the database handle and the session pool on top of it.
type Store struct {
	db   *sqlx.DB
	pool *dbpool.Pool
}

// Open connects to Postgres and builds the session pool.
func Open(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	poolCfg := dbpool.DefaultConfig()
	// Leave headroom beyond the session cap for ad hoc use of the
	// handle itself (pings, schema migration).
	db.SetMaxOpenConns(poolCfg.MaxSessions + poolCfg.MaxOverflow + 2)

	pool, err := dbpool.New(db, poolCfg,
		dbpool.WithLogger(log),
		dbpool.WithDBSystem(config.DefaultDBSystem),
		dbpool.WithDBName(cfg.DBName),
	)
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("build session pool: %w", err)
	}
	return &Store{db: db, pool: pool}, nil
}

// EnsureSchema creates the quotes table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.pool.WithSession(ctx, func(sess *dbpool.Session) error {
		_, err := sess.ExecContext(ctx, schema)
		return err
	})
}

// InsertQuote appends one quote.
func (s *Store) InsertQuote(ctx context.Context, q oracle.Quote) error {
	return s.pool.WithSession(ctx, func(sess *dbpool.Session) error {
		_, err := sess.ExecContext(ctx,
			"INSERT INTO quotes (pair, price, quoted_at) VALUES ($1, $2, $3)",
			q.Pair, q.Price, q.QuotedAt,
		)
		return err
	})
}

// LatestQuote returns the most recent stored quote for a pair.
func (s *Store) LatestQuote(ctx context.Context, pair string) (oracle.Quote, error) {
	var q oracle.Quote
	err := s.pool.WithSession(ctx, func(sess *dbpool.Session) error {
		return sess.GetContext(ctx, &q,
			"SELECT pair, price, quoted_at FROM quotes WHERE pair = $1 ORDER BY quoted_at DESC LIMIT 1",
			pair,
		)
	})
	return q, err
}

// Ping verifies database connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Pool exposes the session pool for occupancy snapshots.
func (s *Store) Pool() *dbpool.Pool {
	return s.pool
}

// Close retires the session pool, then the database handle.
func (s *Store) Close() error {
	return errors.Join(s.pool.Close(), s.db.Close())
}
