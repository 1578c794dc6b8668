package upstream

import (
	"net/http"

	json "github.com/goccy/go-json"
)

// Response wraps http.Response with convenience methods for body handling
// and automatic decoding.
//
// The body is fully read and cached by the client before the underlying
// connection is returned to the pool, so Body() and the decode helpers
// never touch the network.
//
// Example usage:
//
//	var quote Quote
//	resp, err := client.Request("GetQuote").
//	    Decode(&quote).
//	    Get(ctx, "/v1/quotes/BTC-USD")
//
//	if err != nil {
//	    return err
//	}
//
//	if resp.IsSuccess() {
//	    fmt.Printf("bid=%s ask=%s\n", quote.Bid, quote.Ask)
//	}
type Response struct {
	// Response embeds the standard http.Response.
	// All http.Response fields and methods are accessible directly.
	//
	// Example: resp.StatusCode, resp.Header.Get("Content-Type")
	*http.Response

	// body is the cached response body, drained before the connection
	// went back to the pool.
	body []byte

	// attempts is how many attempts the call took, including the one
	// that produced this response.
	attempts int

	// endpoint is the endpoint that served the final attempt.
	endpoint string

	result      any
	errorResult any
}

// Body returns the cached response body.
func (r *Response) Body() []byte {
	return r.body
}

// String returns the response body as a string.
func (r *Response) String() string {
	return string(r.body)
}

// Attempts returns how many attempts the call took.
func (r *Response) Attempts() int {
	return r.attempts
}

// Endpoint returns the endpoint that served the final attempt.
func (r *Response) Endpoint() string {
	return r.endpoint
}

// Result returns the decoded success response.
//
// This is only populated if Decode() was called on the RequestBuilder
// and the response was successful (2xx).
func (r *Response) Result() any {
	return r.result
}

// Error returns the decoded error response.
//
// This is only populated if DecodeError() was called on the RequestBuilder
// and the response was not successful (non-2xx).
func (r *Response) Error() any {
	return r.errorResult
}

// IsSuccess returns true if the response status code is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsError returns true if the response status code is 4xx or 5xx.
func (r *Response) IsError() bool {
	return r.StatusCode >= 400
}

// DecodeInto decodes the cached body as JSON into target.
func (r *Response) DecodeInto(target any) error {
	return json.Unmarshal(r.body, target)
}

// decode applies the builder's decode targets.
//
// Only a 2xx body that fails to decode is reported: for error responses
// the classified status error stays authoritative, and the error payload
// is decoded best effort.
func (r *Response) decode() error {
	if len(r.body) == 0 {
		return nil
	}

	if r.IsSuccess() && r.result != nil {
		return r.DecodeInto(r.result)
	}
	if r.IsError() && r.errorResult != nil {
		_ = r.DecodeInto(r.errorResult)
	}
	return nil
}
