package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component responsible for serving a proxied
// request for an upstream target. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *Target) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *Target) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, target *Target) error {
	return f(c, target)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Proxy      ProxyHandler
	ListenPort int
	// BodyLimit caps request bodies relayed by blind transfers; 0 keeps fiber's default.
	BodyLimit int
}

const (
	contextKeyTarget    = "_replicator_target"
	contextKeyRequestID = "_replicator_request_id"
)

// NewApp builds a Fiber application that resolves absolute proxy request URIs
// into upstream targets and hands them to the proxy handler.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		BodyLimit:     opts.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsRequest(c) {
			return c.Next()
		}
		target, ok := TargetFromContext(c)
		if !ok {
			return renderBadTarget(c, opts.Logger, ErrNotProxyRequest)
		}
		return opts.Proxy.Handle(c, target)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并把绝对请求 URI 解析为 Target。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsRequest(c) {
			return c.Next()
		}

		target, err := ParseTarget(string(c.Request().RequestURI()))
		if err != nil {
			return renderBadTarget(c, opts.Logger, err)
		}

		c.Locals(contextKeyTarget, target)
		return c.Next()
	}
}

func renderBadTarget(c fiber.Ctx, logger *logrus.Logger, err error) error {
	code := "not_proxy_request"
	if errors.Is(err, ErrUnsupportedScheme) {
		code = "unsupported_scheme"
	}
	logger.WithFields(logrus.Fields{
		"action":     "target_parse",
		"uri":        string(c.Request().RequestURI()),
		"method":     c.Method(),
		"request_id": RequestID(c),
	}).Warn(err.Error())

	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": code,
	})
}

// TargetFromContext returns the upstream target resolved by the router middleware.
func TargetFromContext(c fiber.Ctx) (*Target, bool) {
	if value := c.Locals(contextKeyTarget); value != nil {
		if target, ok := value.(*Target); ok {
			return target, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// isDiagnosticsRequest 仅匹配 origin-form 的 /-/ 请求，代理请求中的同名路径仍然转发。
func isDiagnosticsRequest(c fiber.Ctx) bool {
	return strings.HasPrefix(string(c.Request().RequestURI()), "/-/")
}
