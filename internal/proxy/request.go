package proxy

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/http-replicator/replicator/internal/cache"
	"github.com/http-replicator/replicator/internal/server"
)

// readRequestFromHeaders 把客户端的 Range / If-Modified-Since 转换为读取区间。
// 只支持单个 `a-b` 或 `a-` 区间；多段或格式错误的 Range 按完整请求处理。
func readRequestFromHeaders(rangeHeader, ifModifiedSince string) cache.ReadRequest {
	req := cache.FullRead()
	if start, end, ok := parseRange(rangeHeader); ok {
		req.Start, req.End = start, end
		return req
	}
	if ifModifiedSince != "" {
		if t, err := http.ParseTime(ifModifiedSince); err == nil {
			req.IfModifiedSince = t
		}
	}
	return req
}

// parseRange 返回 [start, end) 区间，end 为 cache.UnknownSize 表示读到末尾。
func parseRange(value string) (int64, int64, bool) {
	value = strings.TrimSpace(value)
	spec, ok := strings.CutPrefix(value, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok || first == "" {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	last = strings.TrimSpace(last)
	if last == "" {
		return start, cache.UnknownSize, true
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	return start, end + 1, true
}

// upstreamHeaders 复制客户端请求头，去除逐跳头与代理专用头。
func upstreamHeaders(c fiber.Ctx) http.Header {
	src := make(http.Header)
	c.Request().Header.VisitAll(func(key, value []byte) {
		src.Add(string(key), string(value))
	})
	dst := make(http.Header, len(src))
	server.CopyHeaders(dst, src)
	dst.Del("Host")
	return dst
}
