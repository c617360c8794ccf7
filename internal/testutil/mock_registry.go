// Package testutil provides testing utilities for the RDAP query engine.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock registry endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockRegistry is a configurable mock RDAP server for testing.
type MockRegistry struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	requestCount int
	lastHeader   http.Header
}

// NewMockRegistry creates a new mock RDAP server.
func NewMockRegistry() *MockRegistry {
	mock := &MockRegistry{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.lastHeader = r.Header.Clone()
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockRegistry) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockRegistry) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockRegistry) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.lastHeader = nil
}

// RequestCount returns the number of requests the server received.
func (m *MockRegistry) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockRegistry) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeader
}

// SetHandler sets a custom handler for a specific path.
func (m *MockRegistry) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockRegistry) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetDomainResponse configures the lookup response for a domain name.
func (m *MockRegistry) SetDomainResponse(name string, resp MockResponse) {
	m.SetResponse("/domain/"+name, resp)
}

// defaultHandler answers unconfigured paths with a 404 RDAP error body.
func (m *MockRegistry) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/rdap+json")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, `{"errorCode": 404, "title": "Not Found", "description": ["%s is not registered"]}`, r.URL.Path)
}

// DomainBody builds a minimal RDAP domain payload.
func DomainBody(handle, ldhName string) string {
	return fmt.Sprintf(`{
		"objectClassName": "domain",
		"handle": %q,
		"ldhName": %q,
		"status": ["active"],
		"events": [{"eventAction": "registration", "eventDate": "1995-08-14T04:00:00Z"}],
		"entities": [{
			"handle": "REGISTRANT-1",
			"roles": ["registrant"],
			"vcardArray": ["vcard", [["fn", {}, "text", "Jane Registrant"]]]
		}]
	}`, handle, ldhName)
}

// NewDomainResponse creates a 200 OK response with an RDAP domain body.
func NewDomainResponse(handle, ldhName string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       DomainBody(handle, ldhName),
		Headers:    map[string]string{"Content-Type": "application/rdap+json"},
	}
}

// NewThrottledResponse creates a 429 response with a Retry-After hint.
func NewThrottledResponse(retryAfterSeconds int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"errorCode": 429, "title": "Rate Limit Exceeded"}`,
		Headers: map[string]string{
			"Content-Type": "application/rdap+json",
			"Retry-After":  fmt.Sprintf("%d", retryAfterSeconds),
		},
	}
}

// NewUnavailableResponse creates a 503 response.
func NewUnavailableResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       `{"errorCode": 503, "title": "Service Unavailable"}`,
		Headers:    map[string]string{"Content-Type": "application/rdap+json"},
	}
}
