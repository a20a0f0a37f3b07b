package provider

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/stellarlinkco/npcbrain/internal/config"
	"github.com/stellarlinkco/npcbrain/internal/logging"
)

// Router forwards generation calls to the backend selected at startup.
// Selection is fixed for the process lifetime.
type Router struct {
	active Backend
	logger *zap.Logger
}

type Options struct {
	Primaries []config.LLMConfig
	Fallback  config.FallbackConfig
	// Factory builds primaries; defaults to New.
	Factory func(config.LLMConfig) (Backend, error)
	// FallbackFactory builds the local fallback; defaults to NewOllama.
	FallbackFactory func(config.FallbackConfig) Backend
	Logger          *zap.Logger
}

// NewRouter tries each primary in order and keeps the first that
// constructs. When none does, it probes the fallback and keeps it if live.
// Otherwise the router runs with no backend and Complete fails fast.
func NewRouter(ctx context.Context, opts Options) *Router {
	logger := logging.OrNop(opts.Logger)
	factory := opts.Factory
	if factory == nil {
		factory = New
	}
	fallbackFactory := opts.FallbackFactory
	if fallbackFactory == nil {
		fallbackFactory = NewOllama
	}

	for _, cfg := range opts.Primaries {
		b, err := factory(cfg)
		if err != nil {
			var cerr *ConfigError
			if errors.As(err, &cerr) {
				logger.Info("backend unavailable", zap.String("provider", cfg.Provider), zap.String("reason", cerr.Reason))
			} else {
				logger.Warn("backend construction failed", zap.String("provider", cfg.Provider), zap.Error(err))
			}
			continue
		}
		if isLocal(cfg) {
			if p, ok := b.(Prober); ok && !p.Probe(ctx) {
				logger.Info("local backend not reachable", zap.String("provider", cfg.Provider), zap.String("url", cfg.BaseURL))
				continue
			}
		}
		logger.Info("generation backend selected", zap.String("backend", b.Name()), zap.String("model", cfg.Model))
		return &Router{active: b, logger: logger}
	}

	if opts.Fallback.BaseURL != "" || opts.Fallback.Model != "" {
		fb := fallbackFactory(opts.Fallback)
		if p, ok := fb.(Prober); !ok || p.Probe(ctx) {
			logger.Info("generation backend selected",
				zap.String("backend", fb.Name()),
				zap.String("model", opts.Fallback.Model),
				zap.Bool("fallback", true))
			return &Router{active: fb, logger: logger}
		}
		logger.Info("fallback backend not reachable", zap.String("url", opts.Fallback.BaseURL))
	}

	logger.Warn("no generation backend available, serving canned responses")
	return &Router{logger: logger}
}

// isLocal reports whether cfg names a self-hosted backend that must answer
// a probe before it is selected.
func isLocal(cfg config.LLMConfig) bool {
	return strings.EqualFold(strings.TrimSpace(cfg.Provider), "ollama")
}

// NewStaticRouter wraps an already constructed backend. A nil backend gives
// a router in no-backend mode.
func NewStaticRouter(b Backend, logger *zap.Logger) *Router {
	return &Router{active: b, logger: logging.OrNop(logger)}
}

// Available reports whether a backend is active.
func (r *Router) Available() bool { return r.active != nil }

// Active returns the active backend name, or "none".
func (r *Router) Active() string {
	if r.active == nil {
		return "none"
	}
	return r.active.Name()
}

// Complete sends one generation request. It returns ErrNoBackend without
// any network call when no backend is active, and wraps call failures in
// *BackendError. Rate limiting is the caller's job.
func (r *Router) Complete(ctx context.Context, system string, msgs []Message, limits Limits) (*Completion, error) {
	if r.active == nil {
		return nil, ErrNoBackend
	}
	out, err := r.active.Complete(ctx, Request{
		System:      system,
		Messages:    msgs,
		MaxTokens:   limits.MaxTokens,
		Temperature: limits.Temperature,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = errors.Join(err, ctxErr)
		}
		return nil, &BackendError{Backend: r.active.Name(), Err: err}
	}
	return out, nil
}
