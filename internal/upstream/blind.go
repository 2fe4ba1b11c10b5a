package upstream

import (
	"context"
	"io"
	"net/http"
	"time"
)

// BlindTransfer 原样转发不可缓存的请求（非 GET），不跟随重定向。
type BlindTransfer struct {
	client  *http.Client
	timeout time.Duration
}

// NewBlindTransfer 复用共享客户端的 Transport，但把重定向交还给客户端处理。
func NewBlindTransfer(client *http.Client, timeout time.Duration) *BlindTransfer {
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &BlindTransfer{client: &c, timeout: timeout}
}

// Do 发起请求；调用方负责关闭返回的 Body。Body 读取受空闲超时约束。
func (b *BlindTransfer) Do(ctx context.Context, method, url string, header http.Header, body io.Reader, contentLength int64) (*http.Response, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header = header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.ContentLength = contentLength
	if contentLength == 0 {
		req.Body = http.NoBody
	}

	resp, err := b.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &blindBody{
		ReadCloser: resp.Body,
		idle:       newIdleReader(resp.Body, b.timeout, cancel),
		cancel:     cancel,
	}
	return resp, nil
}

type blindBody struct {
	io.ReadCloser
	idle   *idleReader
	cancel context.CancelFunc
}

func (b *blindBody) Read(p []byte) (int, error) {
	return b.idle.Read(p)
}

func (b *blindBody) Close() error {
	b.idle.stop()
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
