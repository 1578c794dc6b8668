package upstream

import (
	"errors"
	"fmt"
)

// ErrBreakerOpen is returned when the circuit breaker rejects a call without
// a network attempt. It is never retried at this layer; the caller decides
// whether to try a different destination or fail the current cycle.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// ErrPoolExhausted is returned when no pooled connection could be obtained
// within the caller's wait bound. Like ErrBreakerOpen it is a local
// protective rejection and is never retried at this layer.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// ErrRateLimited is returned when the destination's local rate limiter
// rejects a call and the limiter is configured not to wait.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrClientClosed is returned for calls issued after Close.
var ErrClientClosed = errors.New("client is closed")

// Error is the terminal error returned by Client.Execute. It carries the
// classification of the last attempt and the total number of network
// attempts made, so a caller exhausting its retry budget receives a single
// error describing what happened.
//
// Example:
//
//	resp, err := client.Execute(ctx, req)
//	var uerr *upstream.Error
//	if errors.As(err, &uerr) {
//	    log.Printf("%s failed: class=%s attempts=%d", uerr.Destination, uerr.Class, uerr.Attempts)
//	}
type Error struct {
	// Class is the classification of the final attempt.
	Class Class

	// Destination is the logical destination name.
	Destination string

	// Endpoint is the endpoint the final attempt was issued against.
	// Empty when the call never reached the network (breaker-open,
	// pool-exhausted).
	Endpoint string

	// Attempts is the attempt count at which the call ended, including a
	// final attempt rejected locally before reaching the network.
	Attempts int

	// Response holds the final HTTP response when one was received (4xx,
	// 5xx, or an undecodable 2xx). Its body is buffered and safe to read.
	Response *Response

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s after %d attempt(s)", e.Destination, e.Class, e.Attempts)
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	if e.Response != nil {
		return fmt.Sprintf("%s: status %d", msg, e.Response.StatusCode)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// ClassOf extracts the classification from an error returned by this
// package. Errors from elsewhere are classified with the same rules applied
// to attempt outcomes; a nil error is ClassSuccess.
func ClassOf(err error) Class {
	if err == nil {
		return ClassSuccess
	}
	return classifyError(err)
}
