package upstream

import (
	"net/http"
)

// RequestInterceptor allows modification of requests before they are sent.
// Interceptors run once per attempt, in the order they were added, after
// the destination's static headers are applied.
//
// Common use cases:
//   - Adding authentication headers (Bearer tokens, API keys)
//   - Injecting correlation IDs
//   - Request logging
type RequestInterceptor func(req *http.Request) error

// ResponseInterceptor allows inspection of responses after receipt, before
// classification. Interceptors run in the order they were added.
type ResponseInterceptor func(resp *http.Response, req *http.Request) error

// InterceptorChain holds the request and response interceptors of a client.
type InterceptorChain struct {
	Request  []RequestInterceptor
	Response []ResponseInterceptor
}

// ApplyRequest runs all request interceptors in order.
// Returns the first error, which fails the attempt without a network call.
func (c InterceptorChain) ApplyRequest(req *http.Request) error {
	for _, interceptor := range c.Request {
		if err := interceptor(req); err != nil {
			return err
		}
	}
	return nil
}

// ApplyResponse runs all response interceptors in order.
func (c InterceptorChain) ApplyResponse(resp *http.Response, req *http.Request) error {
	for _, interceptor := range c.Response {
		if err := interceptor(resp, req); err != nil {
			return err
		}
	}
	return nil
}

// Common interceptor helpers

// AuthBearer returns an interceptor that adds a static Bearer token.
func AuthBearer(token string) RequestInterceptor {
	return func(req *http.Request) error {
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
}

// AuthBearerFunc returns an interceptor that adds a Bearer token from a
// function, for dynamic/refreshable tokens.
func AuthBearerFunc(tokenFunc func() (string, error)) RequestInterceptor {
	return func(req *http.Request) error {
		token, err := tokenFunc()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
}

// APIKey returns an interceptor that adds an API key header.
func APIKey(headerName, apiKey string) RequestInterceptor {
	return func(req *http.Request) error {
		req.Header.Set(headerName, apiKey)
		return nil
	}
}

// UserAgent returns an interceptor that sets the User-Agent header.
func UserAgent(userAgent string) RequestInterceptor {
	return func(req *http.Request) error {
		req.Header.Set("User-Agent", userAgent)
		return nil
	}
}
