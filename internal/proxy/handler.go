package proxy

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/http-replicator/replicator/internal/cache"
	"github.com/http-replicator/replicator/internal/server"
	"github.com/http-replicator/replicator/internal/upstream"
	"github.com/http-replicator/replicator/internal/version"
)

// ProtocolFactory 为一次 GET 请求构造回源协议；只有新建缓存条目时才会被使用。
type ProtocolFactory func(target *server.Target, header http.Header) cache.Protocol

// HTTPProtocols 返回基于共享 http.Client 的协议工厂。
func HTTPProtocols(client *http.Client, timeout time.Duration) ProtocolFactory {
	return func(target *server.Target, header http.Header) cache.Protocol {
		return upstream.NewHTTPProtocol(client, target.URL(), header, timeout)
	}
}

// FTPProtocols 返回匿名 FTP 协议工厂，dial 通常来自带缓存的解析器。
func FTPProtocols(dial upstream.DialFunc, timeout time.Duration) ProtocolFactory {
	return func(target *server.Target, _ http.Header) cache.Protocol {
		return upstream.NewFTPProtocol(target.Host, target.Port, target.Path, dial, timeout)
	}
}

// Options 描述一个协议族的 Handler 依赖。
type Options struct {
	Manager   *cache.Manager
	Protocols ProtocolFactory
	// Blind 为 nil 时拒绝非 GET 请求。
	Blind  *upstream.BlindTransfer
	Logger *logrus.Logger
	// BaseContext 决定写入方与正文输出的生命周期，通常为服务进程的根 context。
	BaseContext context.Context
	Offline     bool
}

// Handler 负责把 GET 请求接到共享缓存条目上，非 GET 请求则原样转发。
type Handler struct {
	manager   *cache.Manager
	protocols ProtocolFactory
	blind     *upstream.BlindTransfer
	logger    *logrus.Logger
	baseCtx   context.Context
	offline   bool
}

// NewHandler constructs a proxy handler for one protocol family.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Manager == nil {
		return nil, errors.New("cache manager is required")
	}
	if opts.Protocols == nil {
		return nil, errors.New("protocol factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	base := opts.BaseContext
	if base == nil {
		base = context.Background()
	}
	return &Handler{
		manager:   opts.Manager,
		protocols: opts.Protocols,
		blind:     opts.Blind,
		logger:    logger,
		baseCtx:   base,
		offline:   opts.Offline,
	}, nil
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, target *server.Target) error {
	c.Set(fiber.HeaderServer, version.UserAgent())
	if c.Method() != fiber.MethodGet {
		return h.handleBlind(c, target)
	}
	return h.handleCached(c, target)
}

func (h *Handler) handleCached(c fiber.Ctx, target *server.Target) error {
	started := time.Now()
	requestID := server.RequestID(c)

	entry, joined, err := h.manager.Open(h.baseCtx, target.CacheKey(), h.protocols(target, upstreamHeaders(c)))
	if err != nil {
		h.logResult(c.Method(), target, requestID, false, fiber.StatusBadRequest, 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_path")
	}
	c.Set("X-Replicator-Joined", strconv.FormatBool(joined))

	req := readRequestFromHeaders(c.Get(fiber.HeaderRange), c.Get(fiber.HeaderIfModifiedSince))
	sink := newPipeSink()
	readerCtx, cancel := context.WithCancel(h.baseCtx)
	method := c.Method()

	go func() {
		defer h.manager.Release(entry)
		defer cancel()
		err := entry.RunReader(readerCtx, sink, req)
		sink.finish(err)

		status := sink.status
		if !sink.isPrepared() {
			status, _ = classifyFailure(err)
		}
		h.logResult(method, target, requestID, joined, status, sink.written, started, err)
	}()

	if err := sink.wait(c.Context()); err != nil {
		sink.abort(err)
		cancel()
		return h.writeError(c, fiber.StatusServiceUnavailable, "request_cancelled")
	}
	if !sink.isPrepared() {
		<-sink.done
		status, code := classifyFailure(sink.err)
		return h.writeError(c, status, code)
	}

	size := -1
	for key, values := range sink.header {
		if key == fiber.HeaderContentLength {
			if n, err := strconv.Atoi(values[0]); err == nil {
				size = n
			}
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Status(sink.status)
	if !bodyAllowed(sink.status) {
		return nil
	}
	c.Response().SetBodyStream(&bodyStream{PipeReader: sink.pr, cancel: cancel}, size)
	return nil
}

func (h *Handler) handleBlind(c fiber.Ctx, target *server.Target) error {
	started := time.Now()
	requestID := server.RequestID(c)
	if h.blind == nil {
		c.Set(fiber.HeaderAllow, fiber.MethodGet)
		h.logResult(c.Method(), target, requestID, false, fiber.StatusMethodNotAllowed, 0, started, nil)
		return h.writeError(c, fiber.StatusMethodNotAllowed, "method_not_allowed")
	}
	if h.offline {
		h.logResult(c.Method(), target, requestID, false, fiber.StatusGatewayTimeout, 0, started, cache.ErrOffline)
		return h.writeError(c, fiber.StatusGatewayTimeout, "offline_miss")
	}

	body := c.Body()
	resp, err := h.blind.Do(h.baseCtx, c.Method(), target.URL(), upstreamHeaders(c), bytes.NewReader(body), int64(len(body)))
	if err != nil {
		h.logResult(c.Method(), target, requestID, false, fiber.StatusBadGateway, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	headers := make(http.Header, len(resp.Header))
	server.CopyHeaders(headers, resp.Header)
	for key, values := range headers {
		if key == fiber.HeaderContentLength {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Status(resp.StatusCode)
	h.logResult(c.Method(), target, requestID, false, resp.StatusCode, resp.ContentLength, started, nil)

	if c.Method() == fiber.MethodHead || resp.StatusCode == fiber.StatusNoContent || resp.StatusCode == fiber.StatusNotModified {
		if resp.ContentLength >= 0 && c.Method() == fiber.MethodHead {
			c.Response().Header.SetContentLength(int(resp.ContentLength))
		}
		return resp.Body.Close()
	}
	size := -1
	if resp.ContentLength >= 0 {
		size = int(resp.ContentLength)
	}
	c.Response().SetBodyStream(resp.Body, size)
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(method string, target *server.Target, requestID string, joined bool, status int, written int64, started time.Time, err error) {
	fields := targetFields(method, target, joined)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["bytes"] = written
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Warn("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// classifyFailure 把读取方在发送头部之前遇到的错误映射为客户端状态码。
func classifyFailure(err error) (int, string) {
	switch {
	case errors.Is(err, cache.ErrRevoked):
		return fiber.StatusNotFound, "upstream_revoked"
	case errors.Is(err, cache.ErrOffline):
		return fiber.StatusGatewayTimeout, "offline_miss"
	default:
		return fiber.StatusBadGateway, "upstream_failed"
	}
}

func bodyAllowed(status int) bool {
	return status == fiber.StatusOK || status == fiber.StatusPartialContent
}
