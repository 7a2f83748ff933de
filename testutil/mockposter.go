package testutil

import (
	"bytes"
	"io/ioutil"
	"net/http"
	"sync"
)

// MockPoster records outgoing callback requests and answers them with a
// scripted status sequence
type MockPoster struct {
	mu       sync.Mutex
	requests []RecordedRequest
	statuses []int
	err      error
}

// RecordedRequest keeps what a delivered callback looked like
type RecordedRequest struct {
	URL     string
	Body    []byte
	Headers http.Header
}

// GetMockPoster returns a poster answering 200 to everything
func GetMockPoster() *MockPoster {
	return &MockPoster{}
}

// Respond scripts the statuses of upcoming requests. The last status
// repeats once the script runs out.
func (m *MockPoster) Respond(statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = statuses
}

// FailWith makes every request fail at the transport level
func (m *MockPoster) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Do implements the dispatcher's HttpPoster
func (m *MockPoster) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var body []byte
	if req.Body != nil {
		body, _ = ioutil.ReadAll(req.Body)
		_ = req.Body.Close()
	}
	m.requests = append(m.requests, RecordedRequest{
		URL:     req.URL.String(),
		Body:    body,
		Headers: req.Header.Clone(),
	})

	if m.err != nil {
		return nil, m.err
	}

	status := http.StatusOK
	if len(m.statuses) > 0 {
		status = m.statuses[0]
		if len(m.statuses) > 1 {
			m.statuses = m.statuses[1:]
		}
	}
	return &http.Response{
		StatusCode: status,
		Body:       ioutil.NopCloser(bytes.NewReader(nil)),
		Header:     make(http.Header),
	}, nil
}

// Requests returns a copy of everything delivered so far
func (m *MockPoster) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	requests := make([]RecordedRequest, len(m.requests))
	copy(requests, m.requests)
	return requests
}
