package helpers

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"sync"
)

// MockHTTP is http.RoundTripper for tests.
// Priority: Fun, Err, Routes by URL path, then Header+Body.
type MockHTTP struct {
	Fun    func(*http.Request) (*http.Response, error)
	Header []byte
	Body   []byte
	Err    error
	Routes map[string]MockRoute

	mu       sync.Mutex
	requests []*http.Request
}

type MockRoute struct {
	Status int
	Body   string
	Err    error
}

func (m *MockHTTP) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.Fun != nil {
		return m.Fun(req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	header, body := m.Header, m.Body
	if m.Routes != nil {
		route, ok := m.Routes[req.URL.Path]
		if !ok {
			route = MockRoute{Status: http.StatusNotFound, Body: `{"message":"not found"}`}
		}
		if route.Err != nil {
			return nil, route.Err
		}
		if route.Status == 0 {
			route.Status = http.StatusOK
		}
		header = []byte(fmt.Sprintf("HTTP/1.0 %d %s\r\nContent-Type: application/json\r\n\r\n", route.Status, http.StatusText(route.Status)))
		body = []byte(route.Body)
	}
	if header == nil {
		header = []byte("HTTP/1.0 200 OK\r\n\r\n")
	}
	rb := make([]byte, 0, len(header)+len(body))
	rb = append(rb, header...)
	rb = append(rb, body...)
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(rb)), req)
}

func (m *MockHTTP) Requests() []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*http.Request(nil), m.requests...)
}
