package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// GenerateCoalesceKey creates a unique key for request deduplication.
// Key = SHA256(method + URL + sorted query params + body hash)
func GenerateCoalesceKey(method, rawURL string, body []byte) string {
	// Parse URL to normalize and sort query params
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		// Fallback to raw URL if parsing fails
		return hashString(method + rawURL + string(body))
	}

	// Sort query parameters for consistent key generation
	queryParams := parsedURL.Query()
	var sortedParams []string
	for key := range queryParams {
		values := queryParams[key]
		sort.Strings(values)
		for _, v := range values {
			sortedParams = append(sortedParams, key+"="+v)
		}
	}
	sort.Strings(sortedParams)

	// Build normalized URL without query (we'll add sorted params)
	normalizedURL := fmt.Sprintf("%s://%s%s", parsedURL.Scheme, parsedURL.Host, parsedURL.Path)

	// Create key components
	keyParts := []string{
		method,
		normalizedURL,
		strings.Join(sortedParams, "&"),
	}

	// Add body hash if present
	if len(body) > 0 {
		bodyHash := sha256.Sum256(body)
		keyParts = append(keyParts, hex.EncodeToString(bodyHash[:]))
	}

	return hashString(strings.Join(keyParts, "|"))
}

// hashString creates a SHA256 hash of the input string.
func hashString(s string) string {
	hash := sha256.Sum256([]byte(s))
	return hex.EncodeToString(hash[:])
}

// coalescable reports whether a request is safe to deduplicate. Only
// GETs qualify; anything with write semantics must reach the upstream
// once per caller.
func (r *Request) coalescable() bool {
	return r.Method == "" || r.Method == http.MethodGet
}

// coalesceKey derives the deduplication key for a request. The key uses
// the destination's first endpoint so the logical identity of a call is
// stable across failover.
func (c *Client) coalesceKey(r *Request) string {
	rawURL, err := r.url(c.dest.Endpoints[0])
	if err != nil {
		rawURL = r.Path
	}
	return GenerateCoalesceKey(r.Method, rawURL, r.Body)
}

// callCoalesced collapses concurrent identical calls into a single
// in-flight call. Coalesced callers share the first caller's outcome,
// including its context deadline. Each caller receives its own shallow
// copy of the shared response (and of the response inside a shared
// error), so the per-caller decode targets never race.
func (c *Client) callCoalesced(ctx context.Context, req *Request) (*Response, error) {
	v, err, shared := c.flight.Do(c.coalesceKey(req), func() (any, error) {
		return c.call(ctx, req)
	})
	if err != nil {
		var ue *Error
		if shared && errors.As(err, &ue) {
			e := *ue
			if e.Response != nil {
				r := *e.Response
				e.Response = &r
			}
			err = &e
		}
		return nil, err
	}

	resp := v.(*Response)
	if shared {
		clone := *resp
		resp = &clone
	}
	return resp, nil
}
