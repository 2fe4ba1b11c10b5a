package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/http-replicator/replicator/internal/cache"
)

var (
	// ErrNotProxyRequest 表示请求行不是绝对 URI。
	ErrNotProxyRequest = errors.New("request target is not an absolute URI")
	// ErrUnsupportedScheme 表示请求使用了不支持的协议。
	ErrUnsupportedScheme = errors.New("unsupported scheme")
)

// defaultPorts 列出支持的协议及其默认端口。
var defaultPorts = map[string]int{
	"http":  80,
	"https": 443,
	"ftp":   21,
}

// Target 是从代理请求行解析出的上游地址。
type Target struct {
	Scheme string
	Host   string
	Port   int
	// Path 为解码后的路径，用于缓存布局与 FTP 命令。
	Path string
	// EscapedPath 为转发给 HTTP 上游时使用的原始路径。
	EscapedPath string
	RawQuery    string
}

// ParseTarget 解析形如 `scheme://host[:port]/path?query` 的请求 URI。
func ParseTarget(requestURI string) (*Target, error) {
	raw := strings.TrimSpace(requestURI)
	if !strings.Contains(raw, "://") {
		return nil, ErrNotProxyRequest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotProxyRequest, err)
	}
	scheme := strings.ToLower(u.Scheme)
	defPort, ok := defaultPorts[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrNotProxyRequest)
	}

	port := defPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: bad port %q", ErrNotProxyRequest, p)
		}
	}

	path := u.Path
	escaped := u.EscapedPath()
	if path == "" {
		path, escaped = "/", "/"
	}
	return &Target{
		Scheme:      scheme,
		Host:        host,
		Port:        port,
		Path:        path,
		EscapedPath: escaped,
		RawQuery:    u.RawQuery,
	}, nil
}

// HostPort 返回可直接拨号的 `host:port`。
func (t *Target) HostPort() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// URL 返回完整的上游 URL；默认端口被省略。
func (t *Target) URL() string {
	var b strings.Builder
	b.WriteString(t.Scheme)
	b.WriteString("://")
	host := t.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	b.WriteString(host)
	if t.Port != defaultPorts[t.Scheme] {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(t.Port))
	}
	b.WriteString(t.EscapedPath)
	if t.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(t.RawQuery)
	}
	return b.String()
}

// CacheKey 返回缓存键；查询串不参与。
func (t *Target) CacheKey() cache.Key {
	return cache.Key{Scheme: t.Scheme, Host: t.Host, Port: t.Port, Path: t.Path}
}
