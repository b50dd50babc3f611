package hook

import "github.com/go-kit/log"

type Option func(*Engine)

func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithResolver replaces the dlopen based resolver used for the C library
// fallback.
func WithResolver(r Resolver) Option {
	return func(e *Engine) {
		e.resolver = r
	}
}

// WithStrictWX keeps pages from being writable and executable at the same
// time while SetMemory or a hook patches them.
func WithStrictWX(strict bool) Option {
	return func(e *Engine) {
		e.strictWX = strict
	}
}

// WithRequireBase makes Load fail instead of relocating the image when the
// configured base address is not available.
func WithRequireBase(require bool) Option {
	return func(e *Engine) {
		e.requireBase = require
	}
}

// WithBindImports runs BindImports as the last step of Load.
func WithBindImports(bind bool) Option {
	return func(e *Engine) {
		e.bindOnLoad = bind
	}
}
