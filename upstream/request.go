package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"
)

// Request is the immutable description of one logical call.
//
// The body is held as bytes so every retry attempt replays the exact same
// payload; the target endpoint is chosen per attempt by the connection
// pool and joined with Path at send time.
//
// Requests are usually built with Client.Request(), but constructing one
// directly is fine for callers that already have the pieces:
//
//	resp, err := client.Execute(ctx, &upstream.Request{
//	    Operation: "GetQuote",
//	    Method:    http.MethodGet,
//	    Path:      "/v1/quotes/BTC-USD",
//	})
type Request struct {
	// Operation names the logical call for logging and metrics,
	// e.g. "GetQuote" or "PlaceOrder".
	Operation string

	// Method is the HTTP method. Defaults to GET when empty.
	Method string

	// Path is the request path, joined with the endpoint chosen for
	// each attempt.
	Path string

	// Query holds query parameters merged into the URL at send time.
	Query url.Values

	// Header holds request headers. They are applied after the
	// destination's default headers and before interceptors run.
	Header http.Header

	// Body is the request payload, replayed verbatim on every attempt.
	Body []byte

	// ContentType is set as the Content-Type header unless the caller
	// already provided one.
	ContentType string

	result      any
	errorResult any
}

// url joins the per-attempt endpoint with the request path and query.
func (r *Request) url(endpoint string) (string, error) {
	fullURL := endpoint + "/" + strings.TrimPrefix(r.Path, "/")
	if len(r.Query) == 0 {
		return fullURL, nil
	}

	u, err := url.Parse(fullURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range r.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// httpRequest materializes one attempt's http.Request against the given
// endpoint. Headers are deep-copied so interceptors mutating one attempt
// never leak into the next.
func (r *Request) httpRequest(ctx context.Context, endpoint string) (*http.Request, error) {
	targetURL, err := r.url(endpoint)
	if err != nil {
		return nil, err
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, targetURL, body)
	if err != nil {
		return nil, err
	}

	for k, vs := range r.Header {
		req.Header[k] = append([]string(nil), vs...)
	}
	if r.ContentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", r.ContentType)
	}
	return req, nil
}

// RequestBuilder provides a fluent API for constructing requests.
//
// Create a RequestBuilder using Client.Request():
//
//	resp, err := client.Request("PlaceOrder").
//	    Path("/v1/orders").
//	    Body(order).
//	    Post(ctx)
type RequestBuilder struct {
	client        *Client
	operationName string
	path          string
	pathParams    map[string]string
	queryParams   url.Values
	headers       http.Header
	body          []byte
	contentType   string
	result        any
	errorResult   any
	buildErr      error
}

// Path sets the request path.
//
// Path parameters can be specified using {name} syntax and filled with
// PathParam().
//
// Example:
//
//	client.Request("GetOrder").
//	    Path("/v1/orders/{id}").
//	    PathParam("id", orderID).
//	    Get(ctx)
func (rb *RequestBuilder) Path(path string) *RequestBuilder {
	rb.path = path
	return rb
}

// PathParam sets a path parameter value.
//
// Path parameters are replaced in the path string using {name} syntax.
func (rb *RequestBuilder) PathParam(key, value string) *RequestBuilder {
	rb.pathParams[key] = value
	return rb
}

// Query adds a single query parameter.
//
// Example:
//
//	client.Request("ListTrades").
//	    Path("/v1/trades").
//	    Query("symbol", "ETH-USD").
//	    Query("limit", "50").
//	    Get(ctx)
func (rb *RequestBuilder) Query(key, value string) *RequestBuilder {
	if rb.queryParams == nil {
		rb.queryParams = make(url.Values)
	}
	rb.queryParams.Set(key, value)
	return rb
}

// Queries adds multiple query parameters.
func (rb *RequestBuilder) Queries(params map[string]string) *RequestBuilder {
	if rb.queryParams == nil {
		rb.queryParams = make(url.Values)
	}
	for k, v := range params {
		rb.queryParams.Set(k, v)
	}
	return rb
}

// Header sets a single request header.
//
// Example:
//
//	client.Request("PlaceOrder").
//	    Header("Idempotency-Key", key).
//	    Body(order).
//	    Post(ctx, "/v1/orders")
func (rb *RequestBuilder) Header(key, value string) *RequestBuilder {
	rb.headers.Set(key, value)
	return rb
}

// Headers sets multiple request headers.
func (rb *RequestBuilder) Headers(headers map[string]string) *RequestBuilder {
	for k, v := range headers {
		rb.headers.Set(k, v)
	}
	return rb
}

// Body sets the request body with automatic content type detection.
//
// Encoding rules:
//   - struct/map: JSON (Content-Type: application/json)
//   - string: raw text (Content-Type: text/plain)
//   - []byte: raw bytes (Content-Type: application/octet-stream)
//   - io.Reader: read fully and buffered
//   - url.Values: form encoded (Content-Type: application/x-www-form-urlencoded)
//
// The body is buffered once and replayed on every retry attempt, so
// io.Reader inputs must be finite.
//
// Example:
//
//	client.Request("PlaceOrder").
//	    Body(order). // struct -> JSON
//	    Post(ctx, "/v1/orders")
func (rb *RequestBuilder) Body(v any) *RequestBuilder {
	if v == nil {
		return rb
	}

	switch body := v.(type) {
	case string:
		rb.body = []byte(body)
		rb.contentType = "text/plain; charset=utf-8"
	case []byte:
		rb.body = body
		rb.contentType = "application/octet-stream"
	case io.Reader:
		data, err := io.ReadAll(body)
		if err != nil {
			rb.buildErr = err
			return rb
		}
		rb.body = data
	case url.Values:
		rb.body = []byte(body.Encode())
		rb.contentType = "application/x-www-form-urlencoded"
	default:
		// struct/map -> JSON
		data, err := json.Marshal(v)
		if err != nil {
			rb.buildErr = err
			return rb
		}
		rb.body = data
		rb.contentType = "application/json"
	}
	return rb
}

// BodyJSON explicitly encodes the body as JSON.
//
// Use this when you want to ensure JSON encoding regardless of the input type.
func (rb *RequestBuilder) BodyJSON(v any) *RequestBuilder {
	if v == nil {
		return rb
	}
	data, err := json.Marshal(v)
	if err != nil {
		rb.buildErr = err
		return rb
	}
	rb.body = data
	rb.contentType = "application/json"
	return rb
}

// Decode sets the target for automatic response body decoding.
//
// If the call succeeds with a 2xx response, the body is decoded into the
// target. A body that fails to decode surfaces as a parse error.
//
// Example:
//
//	var quote Quote
//	resp, err := client.Request("GetQuote").
//	    Decode(&quote).
//	    Get(ctx, "/v1/quotes/BTC-USD")
func (rb *RequestBuilder) Decode(v any) *RequestBuilder {
	rb.result = v
	return rb
}

// DecodeError sets the target for automatic error response decoding.
//
// If the response is not successful (non-2xx), the body is decoded into
// the target.
//
// Example:
//
//	var apiErr APIError
//	resp, err := client.Request("PlaceOrder").
//	    Decode(&ack).
//	    DecodeError(&apiErr).
//	    Post(ctx, "/v1/orders")
func (rb *RequestBuilder) DecodeError(v any) *RequestBuilder {
	rb.errorResult = v
	return rb
}

// DecodeAny sets the target for response decoding regardless of status code.
//
// Use this when the API returns the same envelope for both success and
// error responses.
func (rb *RequestBuilder) DecodeAny(v any) *RequestBuilder {
	rb.result = v
	rb.errorResult = v
	return rb
}

// Get executes a GET request.
//
// Example:
//
//	resp, err := client.Request("ListOrders").Get(ctx, "/v1/orders")
func (rb *RequestBuilder) Get(ctx context.Context, path ...string) (*Response, error) {
	return rb.execute(ctx, http.MethodGet, path)
}

// Post executes a POST request.
func (rb *RequestBuilder) Post(ctx context.Context, path ...string) (*Response, error) {
	return rb.execute(ctx, http.MethodPost, path)
}

// Put executes a PUT request.
func (rb *RequestBuilder) Put(ctx context.Context, path ...string) (*Response, error) {
	return rb.execute(ctx, http.MethodPut, path)
}

// Patch executes a PATCH request.
func (rb *RequestBuilder) Patch(ctx context.Context, path ...string) (*Response, error) {
	return rb.execute(ctx, http.MethodPatch, path)
}

// Delete executes a DELETE request.
func (rb *RequestBuilder) Delete(ctx context.Context, path ...string) (*Response, error) {
	return rb.execute(ctx, http.MethodDelete, path)
}

// execute finalizes the request and hands it to the client.
func (rb *RequestBuilder) execute(ctx context.Context, method string, path []string) (*Response, error) {
	if len(path) > 0 {
		rb.path = path[0]
	}
	req, err := rb.build(method)
	if err != nil {
		return nil, err
	}
	return rb.client.Execute(ctx, req)
}

// build assembles the immutable Request from the builder state.
func (rb *RequestBuilder) build(method string) (*Request, error) {
	if rb.buildErr != nil {
		return nil, rb.buildErr
	}

	path := rb.path
	for k, v := range rb.pathParams {
		path = strings.ReplaceAll(path, "{"+k+"}", url.PathEscape(v))
	}

	return &Request{
		Operation:   rb.operationName,
		Method:      method,
		Path:        path,
		Query:       rb.queryParams,
		Header:      rb.headers,
		Body:        rb.body,
		ContentType: rb.contentType,
		result:      rb.result,
		errorResult: rb.errorResult,
	}, nil
}
