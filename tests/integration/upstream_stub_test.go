package integration

import (
	"bytes"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

// originStub 模拟图片源站与对象存储桶，按路径返回预置内容并记录请求。
type originStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu       sync.Mutex
	objects  map[string][]byte
	requests []RecordedRequest
	delay    time.Duration
}

// RecordedRequest 捕获每次请求的方法/路径/查询串/Headers，便于断言下载行为。
type RecordedRequest struct {
	Method   string
	Path     string
	RawQuery string
	Headers  http.Header
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()

	stub := &originStub{objects: make(map[string][]byte)}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start origin stub listener: %v", err)
	}
	server := &http.Server{Handler: http.HandlerFunc(stub.serve)}

	stub.server = server
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(stub.Close)
	return stub
}

func (s *originStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method:   r.Method,
		Path:     r.URL.EscapedPath(),
		RawQuery: r.URL.RawQuery,
		Headers:  r.Header.Clone(),
	})
	body, ok := s.objects[r.URL.Path]
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if strings.HasSuffix(r.URL.Path, ".png") {
		w.Header().Set("Content-Type", "image/png")
	} else {
		w.Header().Set("Content-Type", "image/jpeg")
	}
	_, _ = w.Write(body)
}

// Put 设置路径对应的内容，可用于模拟源站更新。
func (s *originStub) Put(p string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[p] = append([]byte(nil), body...)
}

// SetDelay 让后续响应延迟返回，用于超时与并发场景。
func (s *originStub) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Requests 返回已记录请求的快照。
func (s *originStub) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// Hits 返回指定路径被请求的次数。
func (s *originStub) Hits(p string) int {
	count := 0
	for _, req := range s.Requests() {
		if req.Path == p {
			count++
		}
	}
	return count
}

func (s *originStub) Close() {
	if s.server != nil {
		_ = s.server.Close()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// imagePayload 生成超过最小有效大小、以 PNG 魔数开头的内容。
func imagePayload(fill byte, size int) []byte {
	header := []byte("\x89PNG\r\n\x1a\n")
	return append(header, bytes.Repeat([]byte{fill}, size-len(header))...)
}
