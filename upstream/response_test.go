package upstream

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedResponse(statusCode int, body string) *Response {
	return &Response{
		Response: &http.Response{StatusCode: statusCode, Header: make(http.Header)},
		body:     []byte(body),
		attempts: 1,
		endpoint: "https://quotes.example.com",
	}
}

func TestResponse_StatusPredicates(t *testing.T) {
	tests := []struct {
		statusCode  int
		wantSuccess bool
		wantError   bool
	}{
		{http.StatusOK, true, false},
		{http.StatusCreated, true, false},
		{http.StatusNoContent, true, false},
		{http.StatusMovedPermanently, false, false},
		{http.StatusBadRequest, false, true},
		{http.StatusTooManyRequests, false, true},
		{http.StatusInternalServerError, false, true},
	}

	for _, tt := range tests {
		resp := newBufferedResponse(tt.statusCode, "")
		assert.Equal(t, tt.wantSuccess, resp.IsSuccess(), "IsSuccess for %d", tt.statusCode)
		assert.Equal(t, tt.wantError, resp.IsError(), "IsError for %d", tt.statusCode)
	}
}

func TestResponse_BodyAccessors(t *testing.T) {
	resp := newBufferedResponse(http.StatusOK, `{"price":"42"}`)

	assert.Equal(t, []byte(`{"price":"42"}`), resp.Body())
	assert.Equal(t, `{"price":"42"}`, resp.String())
	assert.Equal(t, 1, resp.Attempts())
	assert.Equal(t, "https://quotes.example.com", resp.Endpoint())
}

func TestResponse_DecodeInto(t *testing.T) {
	resp := newBufferedResponse(http.StatusOK, `{"price":"42"}`)

	var out struct {
		Price string `json:"price"`
	}
	require.NoError(t, resp.DecodeInto(&out))
	assert.Equal(t, "42", out.Price)

	assert.Error(t, resp.DecodeInto(&[]string{}))
}

func TestResponse_Decode(t *testing.T) {
	t.Run("given 2xx with target, then decodes", func(t *testing.T) {
		resp := newBufferedResponse(http.StatusOK, `{"price":"42"}`)
		var out struct {
			Price string `json:"price"`
		}
		resp.result = &out

		require.NoError(t, resp.decode())
		assert.Equal(t, "42", out.Price)
	})

	t.Run("given 2xx with undecodable body, then reports the error", func(t *testing.T) {
		resp := newBufferedResponse(http.StatusOK, `<!doctype html>`)
		var out map[string]string
		resp.result = &out

		assert.Error(t, resp.decode())
	})

	t.Run("given error status with undecodable body, then stays silent", func(t *testing.T) {
		// The classified status error is authoritative; the error payload
		// decode is best effort.
		resp := newBufferedResponse(http.StatusBadGateway, `upstream reset`)
		var out map[string]string
		resp.errorResult = &out

		assert.NoError(t, resp.decode())
	})

	t.Run("given error status with decodable body, then fills the target", func(t *testing.T) {
		resp := newBufferedResponse(http.StatusBadRequest, `{"error":"bad symbol"}`)
		var out struct {
			Error string `json:"error"`
		}
		resp.errorResult = &out

		require.NoError(t, resp.decode())
		assert.Equal(t, "bad symbol", out.Error)
	})

	t.Run("given empty body, then decode is a no-op", func(t *testing.T) {
		resp := newBufferedResponse(http.StatusOK, "")
		var out map[string]string
		resp.result = &out

		require.NoError(t, resp.decode())
		assert.Nil(t, out)
	})

	t.Run("given no targets, then decode is a no-op", func(t *testing.T) {
		resp := newBufferedResponse(http.StatusOK, `{"price":"42"}`)
		require.NoError(t, resp.decode())
	})
}
