package testing

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// RecordedRequest captures one request received by a mock downstream service
type RecordedRequest struct {
	Method        string
	Path          string
	Body          string
	Authorization string
	ContentType   string
}

// MockService is an HTTP test server standing in for a downstream service.
// It records every request and replies with a fixed status and body.
type MockService struct {
	Server *httptest.Server

	mu       sync.Mutex
	requests []RecordedRequest
	status   int
	body     string
}

// NewMockService starts a mock downstream service replying with the given
// status and body. Callers must Close it when done.
func NewMockService(status int, body string) *MockService {
	m := &MockService{
		status: status,
		body:   body,
	}

	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqBody, _ := io.ReadAll(r.Body)

		m.mu.Lock()
		m.requests = append(m.requests, RecordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			Body:          string(reqBody),
			Authorization: r.Header.Get("Authorization"),
			ContentType:   r.Header.Get("Content-Type"),
		})
		status, body := m.status, m.body
		m.mu.Unlock()

		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))

	return m
}

// URL returns the base URL of the mock service
func (m *MockService) URL() string {
	return m.Server.URL
}

// Close shuts the mock service down
func (m *MockService) Close() {
	m.Server.Close()
}

// SetResponse changes the canned reply for subsequent requests
func (m *MockService) SetResponse(status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	m.body = body
}

// Requests returns a copy of the recorded requests
func (m *MockService) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}
