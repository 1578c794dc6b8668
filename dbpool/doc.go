// Package dbpool provides a bounded pool of pinned database sessions on
// top of sqlx, with session rotation, idle eviction, background health
// probes and OpenTelemetry instrumentation.
//
// database/sql already pools driver connections, but it hands a
// different backend connection to every operation. A Session pins one
// backend connection (a *sqlx.Conn) for as long as the caller holds it,
// which is what session-scoped state needs: temporary tables, advisory
// locks, prepared statements, SET LOCAL variables.
//
// # Quick Start
//
//	db, err := sqlx.Connect(ctx, "pgx", dsn)
//	if err != nil {
//	    return err
//	}
//	pool, err := dbpool.New(db, dbpool.DefaultConfig(),
//	    dbpool.WithDBSystem("postgresql"),
//	    dbpool.WithDBName("quotes"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	err = pool.WithSession(ctx, func(s *dbpool.Session) error {
//	    _, err := s.ExecContext(ctx,
//	        "INSERT INTO quotes (pair, price) VALUES ($1, $2)",
//	        "BTC-USD", "42000.50")
//	    return err
//	})
//
// # Lifecycle
//
// Acquire validates an idle session before reuse, creates a new one
// while the pool is below MaxSessions+MaxOverflow, and otherwise blocks
// until a session frees or ctx expires (ErrPoolExhausted). Release is
// idempotent. A session past MaxAge is retired when its current use
// completes, never mid-use; overflow sessions are retired at release as
// well. The background sweep pings only idle sessions, with the pool
// lock released while the ping is on the wire.
//
// The pool does not own the *sqlx.DB it draws from; closing the pool
// releases its sessions but leaves the database handle open.
//
// Session exposes an instrumented query surface (GetContext,
// SelectContext, ExecContext, QueryxContext, QueryRowxContext,
// BeginTxx): every operation gets an OpenTelemetry span and a duration
// metric, in the same shape as the sqlx package of this module.
package dbpool
