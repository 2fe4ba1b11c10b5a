package server

import (
	"context"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/http-replicator/replicator/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DisableCompression:    true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// DialContextFunc 与 net.Dialer.DialContext 签名一致，通常由带缓存的解析器提供。
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NewUpstreamClient 返回共享 http.Client，用于所有上游请求。
// 不设置整体超时：大文件下载可能持续很久，空闲超时由读取端按次约束。
func NewUpstreamClient(cfg *config.Config, dial DialContextFunc) (*http.Client, error) {
	transport := defaultTransport.Clone()

	timeout := 15 * time.Second
	if cfg != nil && cfg.Global.Timeout.DurationValue() > 0 {
		timeout = cfg.Global.Timeout.DurationValue()
	}
	transport.ResponseHeaderTimeout = timeout
	if dial != nil {
		transport.DialContext = dial
	}
	if cfg != nil && cfg.Global.UpstreamProxy != "" {
		proxyURL, err := url.Parse(cfg.Global.UpstreamProxy)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{Transport: transport}, nil
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段
// 以及 Connection 头中列出的字段。
func CopyHeaders(dst, src http.Header) {
	listed := connectionListed(src)
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		if _, ok := listed[textproto.CanonicalMIMEHeaderKey(key)]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func connectionListed(h http.Header) map[string]struct{} {
	listed := make(map[string]struct{})
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				listed[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
			}
		}
	}
	return listed
}

func isHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := hopByHopHeaders[canonical]; ok {
		return true
	}

	return false
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(key)
}
