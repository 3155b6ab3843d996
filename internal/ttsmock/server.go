// Package ttsmock provides a fake synthesis upstream for tests.
package ttsmock

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"eidos-hq/speechgate/pkg/providers"
)

// Path is the synthesis endpoint the server answers on.
const Path = "/v1/synthesize"

// Response is one scripted reply.
type Response struct {
	StatusCode int
	Body       []byte
	Delay      time.Duration
}

// Server is an httptest server that records synthesis requests and replies
// from a queue of scripted responses. When the queue is empty it answers
// 200 with "audio:<voice>:<text>".
type Server struct {
	server *httptest.Server

	mu       sync.Mutex
	queue    []Response
	requests []providers.SynthesisRequest
	auth     []string
}

// New starts a Server. Call Close when done.
func New() *Server {
	s := &Server{}
	s.server = httptest.NewServer(http.HandlerFunc(s.handler))
	return s
}

// URL returns the base URL to configure as the upstream.
func (s *Server) URL() string {
	return s.server.URL
}

// Close shuts the server down.
func (s *Server) Close() {
	s.server.Close()
}

// Enqueue appends scripted responses, consumed one per request.
func (s *Server) Enqueue(responses ...Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, responses...)
}

// FailNext makes the next n requests answer with status.
func (s *Server) FailNext(n, status int) {
	for i := 0; i < n; i++ {
		s.Enqueue(Response{StatusCode: status, Body: []byte(http.StatusText(status))})
	}
}

// Requests returns the decoded requests received so far.
func (s *Server) Requests() []providers.SynthesisRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]providers.SynthesisRequest(nil), s.requests...)
}

// RequestCount returns the number of requests received.
func (s *Server) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Authorization returns the Authorization headers seen, in order.
func (s *Server) Authorization() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.auth...)
}

func (s *Server) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != Path || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var req providers.SynthesisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	var resp *Response
	if len(s.queue) > 0 {
		resp = &s.queue[0]
		s.queue = s.queue[1:]
	}
	s.mu.Unlock()

	if resp == nil {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("audio:" + req.Voice + ":" + req.Text))
		return
	}

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	if status == http.StatusOK {
		w.Header().Set("Content-Type", "audio/mpeg")
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}
