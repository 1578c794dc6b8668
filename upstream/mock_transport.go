package upstream

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"
)

// MockTransport provides a configurable http.RoundTripper for testing.
// It allows stubbing responses, scripting failure sequences, and
// verifying request expectations.
//
// Requests are served from the queued steps first (each step consumed
// once, in order), then from matching stubs (first match wins), then
// from the default response.
type MockTransport struct {
	mu            sync.RWMutex
	queue         []mockStep
	stubs         []stub
	defaultStatus int
	defaultBody   string
	defaultErr    error
	hasDefault    bool
	delay         time.Duration
	requests      []*http.Request
	requestHook   func(*http.Request)
}

type mockStep struct {
	statusCode int
	body       string
	err        error
}

type stub struct {
	matcher    func(*http.Request) bool
	statusCode int
	body       string
	err        error
}

// NewMockTransport creates a new MockTransport for testing.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// QueueStatus appends a one-shot step: the next unserved request returns
// this status and body. Useful for scripting sequences like "fail twice,
// then succeed".
func (m *MockTransport) QueueStatus(statusCode int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockStep{statusCode: statusCode, body: body})
	return m
}

// QueueError appends a one-shot step: the next unserved request returns
// this error.
func (m *MockTransport) QueueError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockStep{err: err})
	return m
}

// StubResponse stubs all requests to return the given response.
func (m *MockTransport) StubResponse(statusCode int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultStatus = statusCode
	m.defaultBody = body
	m.hasDefault = true
	return m
}

// StubError stubs all requests to return the given error.
func (m *MockTransport) StubError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultErr = err
	return m
}

// StubStatus stubs requests matching method and path to return the given
// status with an empty body.
func (m *MockTransport) StubStatus(method, path string, statusCode int) *MockTransport {
	return m.StubFunc(func(req *http.Request) bool {
		return req.Method == method && req.URL.Path == path
	}, statusCode, "")
}

// StubPath stubs requests matching the path to return the given response.
func (m *MockTransport) StubPath(path string, statusCode int, body string) *MockTransport {
	return m.StubFunc(func(req *http.Request) bool {
		return req.URL.Path == path
	}, statusCode, body)
}

// StubPathRegex stubs requests matching the path regex to return the given response.
func (m *MockTransport) StubPathRegex(pattern string, statusCode int, body string) *MockTransport {
	re := regexp.MustCompile(pattern)
	return m.StubFunc(func(req *http.Request) bool {
		return re.MatchString(req.URL.Path)
	}, statusCode, body)
}

// StubMethod stubs requests with the given method to return the given response.
func (m *MockTransport) StubMethod(method string, statusCode int, body string) *MockTransport {
	return m.StubFunc(func(req *http.Request) bool {
		return req.Method == method
	}, statusCode, body)
}

// StubFunc stubs requests matching the predicate to return the given response.
func (m *MockTransport) StubFunc(
	matcher func(*http.Request) bool,
	statusCode int,
	body string,
) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, stub{
		matcher:    matcher,
		statusCode: statusCode,
		body:       body,
	})
	return m
}

// StubFuncError stubs requests matching the predicate to return the given error.
func (m *MockTransport) StubFuncError(matcher func(*http.Request) bool, err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, stub{
		matcher: matcher,
		err:     err,
	})
	return m
}

// StubDelay delays every response by d, honoring the request context.
// Combine with a short per-attempt timeout to exercise timeout handling.
func (m *MockTransport) StubDelay(d time.Duration) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// OnRequest sets a hook that is called for each request.
// Useful for assertions or capturing request details.
func (m *MockTransport) OnRequest(fn func(*http.Request)) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestHook = fn
	return m
}

// RoundTrip implements http.RoundTripper.
func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	hook := m.requestHook
	delay := m.delay
	var queued *mockStep
	if len(m.queue) > 0 {
		step := m.queue[0]
		m.queue = m.queue[1:]
		queued = &step
	}
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	if queued != nil {
		if queued.err != nil {
			return nil, queued.err
		}
		return mockResponse(req, queued.statusCode, queued.body), nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// Check stubs in order (first match wins)
	for _, s := range m.stubs {
		if s.matcher(req) {
			if s.err != nil {
				return nil, s.err
			}
			return mockResponse(req, s.statusCode, s.body), nil
		}
	}

	if m.defaultErr != nil {
		return nil, m.defaultErr
	}
	if m.hasDefault {
		return mockResponse(req, m.defaultStatus, m.defaultBody), nil
	}

	return nil, errors.New("no stub found for request: " + req.Method + " " + req.URL.String())
}

// Requests returns all requests made through this transport.
func (m *MockTransport) Requests() []*http.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*http.Request{}, m.requests...)
}

// RequestCount returns the number of requests made.
func (m *MockTransport) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// LastRequest returns the most recent request, or nil if none.
func (m *MockTransport) LastRequest() *http.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// Reset clears all recorded requests, queued steps and stubs.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.queue = nil
	m.stubs = nil
	m.defaultStatus = 0
	m.defaultBody = ""
	m.defaultErr = nil
	m.hasDefault = false
	m.delay = 0
	m.requestHook = nil
}

// mockResponse builds a fresh response per serve, so concurrent requests
// never share a body reader.
func mockResponse(req *http.Request, statusCode int, body string) *http.Response {
	return &http.Response{
		Status:        http.StatusText(statusCode),
		StatusCode:    statusCode,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewBufferString(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
