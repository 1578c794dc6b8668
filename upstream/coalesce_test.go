package upstream

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCoalesceKey(t *testing.T) {
	t.Run("given identical inputs, then keys match", func(t *testing.T) {
		a := GenerateCoalesceKey(http.MethodGet, "https://quotes.example.com/v1/quotes?symbol=BTC-USD", nil)
		b := GenerateCoalesceKey(http.MethodGet, "https://quotes.example.com/v1/quotes?symbol=BTC-USD", nil)

		assert.Equal(t, a, b)
		assert.Len(t, a, 64)
	})

	t.Run("given different query order, then keys match", func(t *testing.T) {
		a := GenerateCoalesceKey(http.MethodGet, "https://quotes.example.com/v1/quotes?symbol=BTC-USD&depth=5", nil)
		b := GenerateCoalesceKey(http.MethodGet, "https://quotes.example.com/v1/quotes?depth=5&symbol=BTC-USD", nil)

		assert.Equal(t, a, b)
	})

	t.Run("given different repeated-value order, then keys match", func(t *testing.T) {
		a := GenerateCoalesceKey(http.MethodGet, "https://quotes.example.com/v1/quotes?symbol=ETH-USD&symbol=BTC-USD", nil)
		b := GenerateCoalesceKey(http.MethodGet, "https://quotes.example.com/v1/quotes?symbol=BTC-USD&symbol=ETH-USD", nil)

		assert.Equal(t, a, b)
	})

	t.Run("given different methods, then keys differ", func(t *testing.T) {
		a := GenerateCoalesceKey(http.MethodGet, "https://quotes.example.com/v1/quotes", nil)
		b := GenerateCoalesceKey(http.MethodPost, "https://quotes.example.com/v1/quotes", nil)

		assert.NotEqual(t, a, b)
	})

	t.Run("given different bodies, then keys differ", func(t *testing.T) {
		a := GenerateCoalesceKey(http.MethodGet, "https://quotes.example.com/v1/quotes", []byte(`{"a":1}`))
		b := GenerateCoalesceKey(http.MethodGet, "https://quotes.example.com/v1/quotes", []byte(`{"a":2}`))

		assert.NotEqual(t, a, b)
	})

	t.Run("given unparseable URL, then falls back to the raw string", func(t *testing.T) {
		raw := "https://quotes.example.com/%zz"
		got := GenerateCoalesceKey(http.MethodGet, raw, nil)

		assert.Equal(t, hashString(http.MethodGet+raw), got)
	})
}

func TestRequest_Coalescable(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{"", true},
		{http.MethodGet, true},
		{http.MethodPost, false},
		{http.MethodPut, false},
		{http.MethodPatch, false},
		{http.MethodDelete, false},
	}

	for _, tt := range tests {
		name := tt.method
		if name == "" {
			name = "empty"
		}
		t.Run(name, func(t *testing.T) {
			r := &Request{Method: tt.method, Path: "/v1/quotes"}
			assert.Equal(t, tt.want, r.coalescable())
		})
	}
}

func TestClient_CoalesceKeyIgnoresFailover(t *testing.T) {
	// The key is derived from the primary endpoint, so the same logical
	// request coalesces no matter which endpoint the pool currently
	// prefers.
	c := &Client{dest: Destination{
		Name:      "pricing",
		Endpoints: []string{"https://a.example.com", "https://b.example.com"},
	}}
	req := &Request{
		Method: http.MethodGet,
		Path:   "/v1/quotes",
		Query:  url.Values{"symbol": {"BTC-USD"}},
	}

	want := GenerateCoalesceKey(http.MethodGet, "https://a.example.com/v1/quotes?symbol=BTC-USD", nil)
	assert.Equal(t, want, c.coalesceKey(req))
}

func newStubbedClient(t *testing.T, mock *MockTransport, opts ...Option) *Client {
	t.Helper()

	dest := DefaultDestination("pricing", "http://pricing.internal:8080")
	dest.Retry = NoRetryConfig()
	client, err := New(dest, append([]Option{WithTransport(mock)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClient_CoalescesConcurrentGets(t *testing.T) {
	mock := NewMockTransport()
	mock.StubDelay(100 * time.Millisecond).StubResponse(http.StatusOK, `{"price":"42000.50"}`)
	client := newStubbedClient(t, mock, WithCoalescing())

	const callers = 8
	var (
		wg     sync.WaitGroup
		start  = make(chan struct{})
		prices [callers]string
		errs   [callers]error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start

			var out struct {
				Price string `json:"price"`
			}
			_, err := client.Request("GetQuote").
				Decode(&out).
				Get(context.Background(), "/v1/quotes/BTC-USD")
			prices[i] = out.Price
			errs[i] = err
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "42000.50", prices[i], "every caller decodes into its own target")
	}
	assert.Equal(t, 1, mock.RequestCount(), "concurrent identical gets share one network call")
}

func TestClient_CoalescedErrorIsPerCaller(t *testing.T) {
	mock := NewMockTransport()
	mock.StubDelay(100 * time.Millisecond).StubResponse(http.StatusServiceUnavailable, `{"error":"maintenance"}`)
	client := newStubbedClient(t, mock, WithCoalescing())

	const callers = 4
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		msgs  [callers]string
		errs  [callers]error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start

			var apiErr struct {
				Error string `json:"error"`
			}
			_, err := client.Request("GetQuote").
				DecodeError(&apiErr).
				Get(context.Background(), "/v1/quotes/BTC-USD")
			msgs[i] = apiErr.Error
			errs[i] = err
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		var ue *Error
		require.ErrorAs(t, errs[i], &ue)
		assert.Equal(t, ClassServerError, ue.Class)
		assert.Equal(t, 1, ue.Attempts)
		require.NotNil(t, ue.Response)
		assert.Equal(t, http.StatusServiceUnavailable, ue.Response.StatusCode)
		assert.Equal(t, "maintenance", msgs[i])
	}
	assert.Equal(t, 1, mock.RequestCount())
}

func TestClient_DoesNotCoalesceWrites(t *testing.T) {
	mock := NewMockTransport()
	mock.StubDelay(50 * time.Millisecond).StubResponse(http.StatusCreated, `{"id":"ord-1"}`)
	client := newStubbedClient(t, mock, WithCoalescing())

	const callers = 4
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			_, err := client.Request("PlaceOrder").
				BodyJSON(map[string]string{"symbol": "BTC-USD"}).
				Post(context.Background(), "/v1/orders")
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, callers, mock.RequestCount(), "writes reach the upstream once per caller")
}

func TestClient_CoalescingOffByDefault(t *testing.T) {
	mock := NewMockTransport()
	mock.StubDelay(100 * time.Millisecond).StubResponse(http.StatusOK, `{}`)
	client := newStubbedClient(t, mock)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			_, err := client.Request("GetQuote").Get(context.Background(), "/v1/quotes/BTC-USD")
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 2, mock.RequestCount())
}

func TestClient_SequentialGetsAreNotShared(t *testing.T) {
	mock := NewMockTransport()
	mock.StubResponse(http.StatusOK, `{}`)
	client := newStubbedClient(t, mock, WithCoalescing())

	for i := 0; i < 2; i++ {
		_, err := client.Request("GetQuote").Get(context.Background(), "/v1/quotes/BTC-USD")
		require.NoError(t, err)
	}

	assert.Equal(t, 2, mock.RequestCount(), "coalescing only spans in-flight calls")
}
