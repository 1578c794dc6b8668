package dbpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestExtractOperation(t *testing.T) {
	type args struct {
		query string
	}

	tests := []struct {
		name string
		args args
		want string
	}{
		{
			name: "given a select, then SELECT",
			args: args{query: "SELECT pair, price FROM quotes"},
			want: "SELECT",
		},
		{
			name: "given lowercase with leading whitespace, then the word is uppercased",
			args: args{query: "  insert into quotes VALUES ($1)"},
			want: "INSERT",
		},
		{
			name: "given a single-word statement, then the word itself",
			args: args{query: "COMMIT"},
			want: "COMMIT",
		},
		{
			name: "given tabs and newlines, then the first field wins",
			args: args{query: "\n\tupdate quotes\nSET stale = true"},
			want: "UPDATE",
		},
		{
			name: "given an empty query, then empty",
			args: args{query: ""},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractOperation(tt.args.query))
		})
	}
}

func TestSessionSpanName(t *testing.T) {
	assert.Equal(t, "session.Get: SELECT", sessionSpanName("session.Get", "SELECT 1"))
	assert.Equal(t, "session.Ping", sessionSpanName("session.Ping", ""))
}

func TestRedactQueryLiterals(t *testing.T) {
	got := RedactQueryLiterals("INSERT INTO quotes VALUES ('BTC-USD', 42000.50)")
	assert.Equal(t, "INSERT INTO quotes VALUES ('?', ?)", got)

	got = RedactQueryLiterals(`SELECT * FROM quotes WHERE note = 'it''s fine' AND id = 7`)
	assert.NotContains(t, got, "7")
}

func TestConfig_QueryAttributes(t *testing.T) {
	t.Run("given system and name, then base attributes are stamped", func(t *testing.T) {
		cfg := newConfig(WithDBSystem("postgresql"), WithDBName("quotes"))

		attrs := cfg.queryAttributes("SELECT 1")
		assert.Contains(t, attrs, attribute.String("db.system", "postgresql"))
		assert.Contains(t, attrs, attribute.String("db.name", "quotes"))
		assert.Contains(t, attrs, attribute.String("db.statement", "SELECT 1"))
		assert.Contains(t, attrs, attribute.String("db.operation", "SELECT"))
	})

	t.Run("given a sanitizer, then the recorded statement is rewritten", func(t *testing.T) {
		cfg := newConfig(WithQuerySanitizer(RedactQueryLiterals))

		attrs := cfg.queryAttributes("SELECT * FROM quotes WHERE id = 7")
		assert.Contains(t, attrs, attribute.String("db.statement", "SELECT * FROM quotes WHERE id = ?"))
	})

	t.Run("given DisableQuery, then no statement is recorded", func(t *testing.T) {
		cfg := newConfig(WithDisableQuery())

		attrs := cfg.queryAttributes("SELECT secret FROM vault")
		for _, kv := range attrs {
			assert.NotEqual(t, attribute.Key("db.statement"), kv.Key)
		}
		assert.Contains(t, attrs, attribute.String("db.operation", "SELECT"))
	})
}
