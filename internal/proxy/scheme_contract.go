package proxy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/http-replicator/replicator/internal/server"
)

// SchemeRegistration captures a URI scheme and the handler serving it.
type SchemeRegistration struct {
	Scheme  string
	Handler server.ProxyHandler
}

// ErrSchemeHandlerExists indicates a handler has already been registered for the scheme.
var ErrSchemeHandlerExists = errors.New("scheme handler already registered")

// Validate ensures both scheme and handler are present before registration.
func (r SchemeRegistration) Validate() error {
	if normalizeScheme(r.Scheme) == "" {
		return errors.New("scheme required")
	}
	if r.Handler == nil {
		return errors.New("scheme handler required")
	}
	return nil
}

// Register 注册 scheme 对应的 handler，重复注册返回 ErrSchemeHandlerExists。
func (f *Forwarder) Register(reg SchemeRegistration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	normalized := normalizeScheme(reg.Scheme)
	if _, loaded := f.handlers.LoadOrStore(normalized, reg.Handler); loaded {
		return fmt.Errorf("%w: %s", ErrSchemeHandlerExists, normalized)
	}
	return nil
}

// MustRegister panics when registration fails; suitable for startup wiring.
func (f *Forwarder) MustRegister(reg SchemeRegistration) {
	if err := f.Register(reg); err != nil {
		panic(err)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
