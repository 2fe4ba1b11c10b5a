package proxy

import (
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/http-replicator/replicator/internal/logging"
	"github.com/http-replicator/replicator/internal/server"
)

// Forwarder 根据 Target 的 scheme 选择对应的 ProxyHandler。
type Forwarder struct {
	handlers sync.Map
	logger   *logrus.Logger
}

// NewForwarder 创建空的 Forwarder，handler 通过 Register 注入。
func NewForwarder(logger *logrus.Logger) *Forwarder {
	return &Forwarder{logger: logger}
}

// Handle 实现 server.ProxyHandler，根据 target.Scheme 选择 handler。
func (f *Forwarder) Handle(c fiber.Ctx, target *server.Target) error {
	requestID := server.RequestID(c)
	handler := f.lookup(target)
	if handler == nil {
		return f.respondMissingHandler(c, target, requestID)
	}
	return f.invokeHandler(c, target, handler, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, target *server.Target, requestID string) error {
	f.logSchemeError(c, target, "scheme_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusNotImplemented).
		JSON(fiber.Map{"error": "scheme_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, target *server.Target, handler server.ProxyHandler, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, target, r, requestID)
		}
	}()
	return handler.Handle(c, target)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, target *server.Target, recovered interface{}, requestID string) error {
	f.logSchemeError(c, target, "handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logSchemeError(c fiber.Ctx, target *server.Target, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := targetFields(c.Method(), target, false)
	fields["action"] = "proxy"
	fields["error"] = code
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("scheme handler unavailable")
}

func (f *Forwarder) lookup(target *server.Target) server.ProxyHandler {
	if target == nil {
		return nil
	}
	if value, ok := f.handlers.Load(normalizeScheme(target.Scheme)); ok {
		if handler, ok := value.(server.ProxyHandler); ok {
			return handler
		}
	}
	return nil
}

func targetFields(method string, target *server.Target, joined bool) logrus.Fields {
	if target == nil {
		return logging.RequestFields(method, "", "", joined)
	}
	return logging.RequestFields(method, target.URL(), target.CacheKey().String(), joined)
}
