package dbpool

import (
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// extractOperation returns the uppercase first word of a SQL query
// (SELECT, INSERT, ...), or "" for an empty query.
func extractOperation(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// sessionSpanName names the span for one session operation, e.g.
// "session.Get: SELECT".
func sessionSpanName(method, query string) string {
	op := extractOperation(query)
	if op == "" {
		return method
	}
	return method + ": " + op
}

// baseAttributes returns the attributes stamped on every span and
// metric of the pool.
func (cfg *config) baseAttributes() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if cfg.DBSystem != "" {
		attrs = append(attrs, attribute.String("db.system", cfg.DBSystem))
	}
	if cfg.DBName != "" {
		attrs = append(attrs, attribute.String("db.name", cfg.DBName))
	}
	return attrs
}

// queryAttributes returns the attributes for one operation's span.
func (cfg *config) queryAttributes(query string) []attribute.KeyValue {
	attrs := cfg.baseAttributes()

	if !cfg.DisableQuery && query != "" {
		recorded := query
		if cfg.QuerySanitizer != nil {
			recorded = cfg.QuerySanitizer(query)
		}
		attrs = append(attrs, attribute.String("db.statement", recorded))
	}

	if op := extractOperation(query); op != "" {
		attrs = append(attrs, attribute.String("db.operation", op))
	}

	return attrs
}

var (
	quotedLiteral  = regexp.MustCompile(`'(?:[^'\\]|\\.)*'`)
	numericLiteral = regexp.MustCompile(`\b\d+\.?\d*\b`)
)

// RedactQueryLiterals replaces string and numeric literals in a SQL
// query with placeholders, for use with WithQuerySanitizer:
//
//	"INSERT INTO quotes VALUES ('BTC-USD', 42000.50)"
//	→ "INSERT INTO quotes VALUES ('?', ?)"
func RedactQueryLiterals(query string) string {
	query = quotedLiteral.ReplaceAllString(query, "'?'")
	return numericLiteral.ReplaceAllString(query, "?")
}
