package proxy

import (
	"context"
	"io"
	"net/http"
	"sync"
)

// pipeSink 实现 cache.ResponseSink：状态与头部在 Prepare 时交给 handler，
// 正文经由 io.Pipe 交给 fasthttp 的 body stream。
type pipeSink struct {
	status  int
	header  http.Header
	written int64

	pr *io.PipeReader
	pw *io.PipeWriter

	prepared    chan struct{}
	prepareOnce sync.Once
	done        chan struct{}
	err         error
}

func newPipeSink() *pipeSink {
	pr, pw := io.Pipe()
	return &pipeSink{
		status:   http.StatusOK,
		header:   make(http.Header),
		pr:       pr,
		pw:       pw,
		prepared: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *pipeSink) SetStatus(code int) { s.status = code }

func (s *pipeSink) Header() http.Header { return s.header }

func (s *pipeSink) Prepare() error {
	s.prepareOnce.Do(func() { close(s.prepared) })
	return nil
}

func (s *pipeSink) Write(p []byte) (int, error) {
	n, err := s.pw.Write(p)
	s.written += int64(n)
	return n, err
}

// finish 记录读取结果并关闭管道写端；err 为 nil 时读端看到 EOF。
func (s *pipeSink) finish(err error) {
	s.err = err
	s.pw.CloseWithError(err)
	close(s.done)
}

// abort 在客户端放弃等待时关闭读端，阻塞在 Write 中的读取方随即返回 err。
func (s *pipeSink) abort(err error) {
	s.pr.CloseWithError(err)
}

func (s *pipeSink) isPrepared() bool {
	select {
	case <-s.prepared:
		return true
	default:
		return false
	}
}

// wait 阻塞到头部就绪或读取方结束。
func (s *pipeSink) wait(ctx context.Context) error {
	select {
	case <-s.prepared:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// bodyStream 交给 SetBodyStream；fasthttp 写完或连接中断后会调用 Close。
type bodyStream struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (b *bodyStream) Close() error {
	err := b.PipeReader.Close()
	b.cancel()
	return err
}
