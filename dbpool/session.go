package dbpool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Session is one pinned backend session, exclusively owned between
// Acquire and Release. Every operation runs on the same backend
// connection, so session-scoped state (temporary tables, advisory
// locks, SET LOCAL) survives across operations.
//
// A Session is not safe for concurrent use; it belongs to one caller at
// a time.
type Session struct {
	id   string
	conn *sqlx.Conn
	cfg  *config

	createdAt   time.Time
	lastUsed    time.Time
	lastChecked time.Time
	usageCount  int64
	healthy     bool
	overflow    bool
}

func newSessionID() string {
	return uuid.NewString()
}

// ID returns the session's identifier, stable for its lifetime.
func (s *Session) ID() string {
	return s.id
}

// Age returns how long ago the session was opened.
func (s *Session) Age() time.Duration {
	return time.Since(s.createdAt)
}

// UsageCount returns how many times the session has been acquired.
func (s *Session) UsageCount() int64 {
	return s.usageCount
}

// GetContext executes a query expected to return at most one row and
// scans the result into dest.
func (s *Session) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	ctx, done := s.instrument(ctx, "session.Get", query)
	err := s.conn.GetContext(ctx, dest, query, args...)
	done(err)
	return err
}

// SelectContext executes a query and scans all results into dest.
func (s *Session) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	ctx, done := s.instrument(ctx, "session.Select", query)
	err := s.conn.SelectContext(ctx, dest, query, args...)
	done(err)
	return err
}

// ExecContext executes a query without returning rows.
func (s *Session) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	ctx, done := s.instrument(ctx, "session.Exec", query)
	result, err := s.conn.ExecContext(ctx, query, args...)
	done(err)
	return result, err
}

// QueryxContext executes a query and returns sqlx.Rows.
func (s *Session) QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	ctx, done := s.instrument(ctx, "session.Queryx", query)
	rows, err := s.conn.QueryxContext(ctx, query, args...)
	done(err)
	return rows, err
}

// QueryRowxContext executes a query and returns a single sqlx.Row.
// Errors surface at Scan time, so the span and metric record the
// dispatch only.
func (s *Session) QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row {
	ctx, done := s.instrument(ctx, "session.QueryRowx", query)
	row := s.conn.QueryRowxContext(ctx, query, args...)
	done(nil)
	return row
}

// BeginTxx starts a transaction on the pinned session.
func (s *Session) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	ctx, done := s.instrument(ctx, "session.Begin", "")
	tx, err := s.conn.BeginTxx(ctx, opts)
	done(err)
	return tx, err
}

// Rebind transforms a query from QUESTION to the driver's bindvar type.
func (s *Session) Rebind(query string) string {
	return s.conn.Rebind(query)
}

// ping verifies the pinned backend connection, bounded by timeout.
func (s *Session) ping(ctx context.Context, timeout time.Duration) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pctx, done := s.instrument(pctx, "session.Ping", "")
	err := s.conn.PingContext(pctx)
	done(err)
	return err
}

// instrument opens the span and starts the clock for one operation. The
// returned func ends the span, records the duration metric and, when
// the error means the backend connection is gone, marks the session so
// the pool retires it at release.
func (s *Session) instrument(ctx context.Context, method, query string) (context.Context, func(error)) {
	start := time.Now()

	ctx, span := s.cfg.Tracer.Start(ctx, sessionSpanName(method, query),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(s.cfg.queryAttributes(query)...),
	)

	operation := extractOperation(query)
	if operation == "" {
		operation = method
	}

	return ctx, func(err error) {
		defer span.End()

		s.cfg.Metrics.recordOp(ctx, time.Since(start), operation, s.cfg.baseAttributes(), err)

		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if isSessionGone(err) {
			s.healthy = false
		}
	}
}

// isSessionGone reports whether err means the pinned backend connection
// cannot serve further operations.
func isSessionGone(err error) bool {
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF)
}
