package cache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type fakeStream struct {
	io.Reader

	mu       sync.Mutex
	finished bool
	complete bool
}

func (s *fakeStream) Finish(complete bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	s.complete = complete
	return nil
}

func (s *fakeStream) state() (finished, complete bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished, s.complete
}

type fakeProtocol struct {
	mu     sync.Mutex
	probes []Probe
	result func(Probe) (Outcome, error)
}

func (p *fakeProtocol) Negotiate(ctx context.Context, probe Probe) (Outcome, error) {
	p.mu.Lock()
	p.probes = append(p.probes, probe)
	p.mu.Unlock()
	return p.result(probe)
}

func (p *fakeProtocol) calls() []Probe {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Probe(nil), p.probes...)
}

func streamProtocol(offset, size int64, modTime time.Time, body io.Reader) (*fakeProtocol, *fakeStream) {
	stream := &fakeStream{Reader: body}
	return &fakeProtocol{result: func(Probe) (Outcome, error) {
		return Streaming(offset, size, modTime, stream), nil
	}}, stream
}

type recordingSink struct {
	mu       sync.Mutex
	status   int
	header   http.Header
	prepared bool
	body     bytes.Buffer
}

func newRecordingSink() *recordingSink {
	return &recordingSink{header: make(http.Header)}
}

func (s *recordingSink) SetStatus(code int)  { s.status = code }
func (s *recordingSink) Header() http.Header { return s.header }
func (s *recordingSink) Prepare() error {
	s.prepared = true
	return nil
}

func (s *recordingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.body.Write(p)
}

func (s *recordingSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.body.Bytes()...)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestManager(t *testing.T, root string, mutate func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Layout:    Layout{Root: root, Suffix: ".incomplete"},
		ChunkSize: 64,
		Logger:    quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func testKey(path string) Key {
	return Key{Scheme: "http", Host: "example.org", Port: 80, Path: path}
}

// waitWriter 阻塞直到条目的写入方结束。
func waitWriter(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("writer did not finish: %v", err)
	}
}

func writeFile(t *testing.T, path string, data []byte, modTime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if !modTime.IsZero() {
		if err := os.Chtimes(path, modTime, modTime); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
}

func readAll(t *testing.T, m *Manager, key Key, proto Protocol, req ReadRequest) (*recordingSink, error) {
	t.Helper()
	entry, _, err := m.Open(context.Background(), key, proto)
	if err != nil {
		t.Fatalf("open entry: %v", err)
	}
	defer m.Release(entry)
	sink := newRecordingSink()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = entry.RunReader(ctx, sink, req)
	return sink, err
}
