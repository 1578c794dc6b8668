package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
)

// Class is the outcome classification of a single attempt against a
// destination. Every attempt resolves to exactly one Class, which drives the
// retry decision, circuit breaker accounting, and metrics labeling.
//
// Classes fall into three groups:
//   - Remote, potentially transient: ClassTimeout, ClassConnectionError,
//     ClassServerError, ClassRateLimited. These are retried until the attempt
//     budget is exhausted.
//   - Local or permanent: ClassClientError, ClassParseError. Retrying cannot
//     help; they surface on first occurrence.
//   - Local protective rejections: ClassBreakerOpen, ClassPoolExhausted.
//     These never touch the network and are never retried at this layer.
type Class int

const (
	// ClassSuccess is a completed call with a non-error status code.
	ClassSuccess Class = iota

	// ClassTimeout is an attempt that exceeded its per-attempt deadline.
	ClassTimeout

	// ClassConnectionError is a transport-level failure: refused, reset,
	// unreachable, temporary DNS failure, or an unexpected EOF.
	ClassConnectionError

	// ClassServerError is a 5xx response.
	ClassServerError

	// ClassClientError is a 4xx response (other than 429) or a permanent
	// caller-side failure such as a TLS certificate error or NXDOMAIN.
	ClassClientError

	// ClassRateLimited is a 429 response, or a local rate limiter rejection
	// when the limiter is configured not to wait.
	ClassRateLimited

	// ClassParseError is a response body that could not be decoded into the
	// caller's target after an otherwise successful call.
	ClassParseError

	// ClassBreakerOpen is a local rejection by the circuit breaker.
	ClassBreakerOpen

	// ClassPoolExhausted is a failure to obtain a pooled connection within
	// the caller's wait bound.
	ClassPoolExhausted
)

// String returns the metrics label for the class.
func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassTimeout:
		return "timeout"
	case ClassConnectionError:
		return "connection_error"
	case ClassServerError:
		return "server_error"
	case ClassClientError:
		return "client_error"
	case ClassRateLimited:
		return "rate_limited"
	case ClassParseError:
		return "parse_error"
	case ClassBreakerOpen:
		return "breaker_open"
	case ClassPoolExhausted:
		return "pool_exhausted"
	default:
		return "unknown"
	}
}

// Transient reports whether the class represents a remote-side failure that
// may resolve on its own and is therefore eligible for retry.
func (c Class) Transient() bool {
	switch c {
	case ClassTimeout, ClassConnectionError, ClassServerError, ClassRateLimited:
		return true
	default:
		return false
	}
}

// Classify maps an attempt outcome to its Class.
//
// Classification rules, in order:
//   - An error already carrying a Class (via *Error or a package sentinel)
//     keeps it.
//   - Deadline expiry (context, net.Error timeout, os.ErrDeadlineExceeded)
//     is ClassTimeout.
//   - Permanent caller-side failures (TLS certificate verification, DNS
//     NXDOMAIN, permission denied) are ClassClientError.
//   - Refused/reset/unreachable connections, temporary DNS failures, and
//     unexpected EOF are ClassConnectionError; unknown errors default to
//     ClassConnectionError so that novel transport failures stay retryable.
//   - With no error: 2xx/3xx is ClassSuccess, 429 is ClassRateLimited,
//     other 4xx is ClassClientError, 5xx is ClassServerError.
func Classify(resp *http.Response, err error) Class {
	if err != nil {
		return classifyError(err)
	}

	if resp == nil {
		return ClassConnectionError
	}

	switch {
	case resp.StatusCode < http.StatusBadRequest:
		return ClassSuccess
	case resp.StatusCode == http.StatusTooManyRequests:
		return ClassRateLimited
	case resp.StatusCode >= http.StatusInternalServerError:
		return ClassServerError
	default:
		return ClassClientError
	}
}

func classifyError(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}

	switch {
	case errors.Is(err, ErrBreakerOpen):
		return ClassBreakerOpen
	case errors.Is(err, ErrPoolExhausted):
		return ClassPoolExhausted
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrClientClosed):
		return ClassClientError
	}

	if isTimeoutError(err) {
		return ClassTimeout
	}

	if isPermanentError(err) {
		return ClassClientError
	}

	if isTransientNetworkError(err) {
		return ClassConnectionError
	}

	// Unknown error: an unidentified transport failure is more likely a
	// transient network condition than a malformed request, so keep it
	// retryable.
	return ClassConnectionError
}

// isTimeoutError reports whether the error represents deadline expiry.
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return containsTimeoutPattern(err)
}

// isPermanentError reports whether the error cannot succeed on retry.
func isPermanentError(err error) bool {
	// 1. TLS/certificate errors
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}

	// 2. DNS not found (host doesn't exist - NXDOMAIN)
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return true
		}
		// Temporary or timed-out DNS lookups are transient.
		return false
	}

	// 3. Syscall permanent errors
	if errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EHOSTDOWN) {
		return true
	}

	// 4. Fallback for wrapped errors from third-party transports
	return containsPermanentPattern(err)
}

// isTransientNetworkError reports whether the error is a connection-level
// failure that typically resolves on retry.
func isTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return containsTransientPattern(err)
}

// containsTimeoutPattern is a fallback for wrapped timeout errors whose type
// information was lost.
func containsTimeoutPattern(err error) bool {
	errStr := strings.ToLower(err.Error())
	patterns := []string{
		"i/o timeout",
		"deadline exceeded",
		"timeout awaiting response",
	}
	for _, p := range patterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}

// containsTransientPattern is a fallback for edge cases where type checks fail.
func containsTransientPattern(err error) bool {
	errStr := strings.ToLower(err.Error())
	patterns := []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is down",
		"network unreachable",
		"temporary failure",
		"server closed",
		"broken pipe",
		"eof",
	}
	for _, p := range patterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}

// containsPermanentPattern is a fallback for edge cases where type checks fail.
func containsPermanentPattern(err error) bool {
	errStr := strings.ToLower(err.Error())
	patterns := []string{
		"x509:",
		"certificate",
		"tls:",
		"protocol error",
		"no route to host",
		"permission denied",
	}
	for _, p := range patterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}
