package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/httpx"
)

const (
	defaultInternalPrefix = "/internal"
	defaultRequestTimeout = 30 * time.Second
	errorNotFoundCode     = "route_not_found"
)

// RouteRegistrar mounts one resource's routes on the internal group.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	internalPath        string
	requestTimeout      time.Duration
	middlewares         []func(http.Handler) http.Handler
	health              *HealthHandlers
	internal            []RouteRegistrar
	internalMiddlewares []func(http.Handler) http.Handler
}

type Option func(*routerConfig)

// NewRouter builds the HTTP surface: /healthz and /readyz probes at the root, and the order,
// claim and discount policy command API under /internal. Bodies sent to the internal API must be
// JSON.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		internalPath:   defaultInternalPrefix,
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Timeout(cfg.requestTimeout))
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(routeNotFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.internalPath, func(internal chi.Router) {
		internal.Use(middleware.AllowContentType("application/json"))
		for _, mw := range cfg.internalMiddlewares {
			if mw != nil {
				internal.Use(mw)
			}
		}
		for _, register := range cfg.internal {
			if register != nil {
				register(internal)
			}
		}
	})
	return r
}

func routeNotFound(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(r.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", r.URL.Path), http.StatusNotFound))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(r.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path), http.StatusMethodNotAllowed))
}

// WithMiddlewares appends root middleware, run after request ID, real IP and timeout.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

func WithInternalPath(path string) Option {
	return func(cfg *routerConfig) {
		if path != "" {
			cfg.internalPath = path
		}
	}
}

// WithRequestTimeout bounds how long a handler may run before its context is cancelled.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(cfg *routerConfig) {
		if timeout > 0 {
			cfg.requestTimeout = timeout
		}
	}
}

func WithInternalRoutes(reg ...RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.internal = append(cfg.internal, reg...)
	}
}

// WithInternalMiddlewares guards the internal group only; probes stay open.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.internalMiddlewares = append(cfg.internalMiddlewares, mw...)
	}
}
