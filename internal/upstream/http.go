package upstream

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/http-replicator/replicator/internal/cache"
	"github.com/http-replicator/replicator/internal/version"
)

// conditionalHeaders 由协议自行决定，客户端提供的值一律丢弃。
var conditionalHeaders = []string{
	"Range",
	"If-Range",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"If-None-Match",
	"If-Match",
}

// HTTPProtocol 通过 HTTP 条件请求与 Range 请求协商缓存状态。
type HTTPProtocol struct {
	client  *http.Client
	url     string
	header  http.Header
	timeout time.Duration
}

// NewHTTPProtocol 基于客户端请求头构造回源协议；header 应已去除逐跳头。
func NewHTTPProtocol(client *http.Client, url string, header http.Header, timeout time.Duration) *HTTPProtocol {
	return &HTTPProtocol{
		client:  client,
		url:     url,
		header:  header.Clone(),
		timeout: timeout,
	}
}

// Negotiate 实现 cache.Protocol。
func (p *HTTPProtocol) Negotiate(ctx context.Context, probe cache.Probe) (cache.Outcome, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.url, nil)
	if err != nil {
		cancel()
		return cache.Outcome{}, err
	}
	req.Header = p.buildHeader(probe)
	req.Close = true

	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		return cache.Outcome{}, err
	}

	discard := func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel()
	}

	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusNotFound:
		discard()
		return cache.Revoke(), nil
	case http.StatusNotModified, http.StatusRequestedRangeNotSatisfiable:
		discard()
		return cache.Valid(time.Time{}), nil
	case http.StatusOK:
		size := resp.ContentLength
		if size < 0 {
			size = cache.UnknownSize
		}
		return cache.Streaming(0, size, lastModified(resp.Header), newHTTPStream(resp.Body, cancel, p.timeout)), nil
	case http.StatusPartialContent:
		begin, end, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			discard()
			return cache.Outcome{}, err
		}
		if end != cache.UnknownSize && end <= begin {
			discard()
			return cache.Valid(time.Time{}), nil
		}
		return cache.Streaming(begin, end, lastModified(resp.Header), newHTTPStream(resp.Body, cancel, p.timeout)), nil
	default:
		discard()
		return cache.Outcome{}, httpError("GET", resp.StatusCode, resp.Status)
	}
}

func (p *HTTPProtocol) buildHeader(probe cache.Probe) http.Header {
	header := p.header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	for _, key := range conditionalHeaders {
		header.Del(key)
	}
	// 缓存的必须是实体本身，禁止内容编码。
	header.Set("Accept-Encoding", "identity")
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", version.UserAgent())
	}

	if probe.Size > 0 {
		header.Set("Range", "bytes="+strconv.FormatInt(probe.Size, 10)+"-")
		if !probe.ModTime.IsZero() {
			stamp := probe.ModTime.UTC().Format(http.TimeFormat)
			header.Set("If-Range", stamp)
			if probe.Complete {
				header.Set("If-Modified-Since", stamp)
			}
		}
	}
	return header
}

func lastModified(h http.Header) time.Time {
	raw := h.Get("Last-Modified")
	if raw == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// httpStream 包装响应体，Finish 时关闭连接并取消请求上下文。
type httpStream struct {
	body   io.ReadCloser
	idle   *idleReader
	cancel context.CancelFunc
}

func newHTTPStream(body io.ReadCloser, cancel context.CancelFunc, timeout time.Duration) *httpStream {
	return &httpStream{
		body:   body,
		idle:   newIdleReader(body, timeout, cancel),
		cancel: cancel,
	}
}

func (s *httpStream) Read(p []byte) (int, error) {
	return s.idle.Read(p)
}

func (s *httpStream) Finish(complete bool) error {
	s.idle.stop()
	err := s.body.Close()
	s.cancel()
	return err
}
