package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edu-center/api/internal/platform/httpx"
)

const (
	apiPrefix      = "/api/v1"
	requestTimeout = 60 * time.Second
)

// RouteRegistrar registers one group's routes.
type RouteRegistrar func(r chi.Router)

type middlewareFunc = func(http.Handler) http.Handler

// routeGroup is a mounted subtree under the API prefix.
type routeGroup struct {
	register    RouteRegistrar
	middlewares []middlewareFunc
}

type routerConfig struct {
	global []middlewareFunc
	health *HealthHandlers
	groups map[string]*routeGroup
}

func (c *routerConfig) group(path string) *routeGroup {
	g, ok := c.groups[path]
	if !ok {
		g = &routeGroup{}
		c.groups[path] = g
	}
	return g
}

// Option configures NewRouter.
type Option func(*routerConfig)

// NewRouter builds the HTTP surface: probes at the root and the order, webhook and internal
// groups under /api/v1. A group without routes answers 501.
func NewRouter(opts ...Option) chi.Router {
	cfg := &routerConfig{
		global: []middlewareFunc{middleware.RequestID, middleware.RealIP, middleware.Timeout(requestTimeout)},
		groups: map[string]*routeGroup{"/orders": {}, "/webhooks": {}, "/internal": {}},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.global {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeRouteError(w, req, http.StatusNotFound, "route_not_found", fmt.Sprintf("no route for %s", req.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeRouteError(w, req, http.StatusMethodNotAllowed, "method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		for path, g := range cfg.groups {
			api.Route(path, func(sub chi.Router) {
				for _, mw := range g.middlewares {
					if mw != nil {
						sub.Use(mw)
					}
				}
				if g.register == nil {
					notImplemented(sub, path)
					return
				}
				g.register(sub)
			})
		}
	})
	return r
}

// WithMiddlewares appends router-wide middleware.
func WithMiddlewares(mw ...middlewareFunc) Option {
	return func(cfg *routerConfig) { cfg.global = append(cfg.global, mw...) }
}

// WithHealthHandlers replaces the default probe handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithOrderRoutes mounts the customer order and payment routes at /orders.
func WithOrderRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.group("/orders").register = reg }
}

// WithWebhookRoutes mounts provider callbacks at /webhooks.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.group("/webhooks").register = reg }
}

func WithWebhookMiddlewares(mw ...middlewareFunc) Option {
	return func(cfg *routerConfig) {
		g := cfg.group("/webhooks")
		g.middlewares = append(g.middlewares, mw...)
	}
}

// WithInternalRoutes mounts the Pub/Sub push endpoints at /internal.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.group("/internal").register = reg }
}

func WithInternalMiddlewares(mw ...middlewareFunc) Option {
	return func(cfg *routerConfig) {
		g := cfg.group("/internal")
		g.middlewares = append(g.middlewares, mw...)
	}
}

func notImplemented(r chi.Router, path string) {
	h := func(w http.ResponseWriter, req *http.Request) {
		writeRouteError(w, req, http.StatusNotImplemented, "not_implemented", fmt.Sprintf("%s routes not implemented", path))
	}
	r.HandleFunc("/", h)
	r.HandleFunc("/*", h)
}

func writeRouteError(w http.ResponseWriter, req *http.Request, status int, code, message string) {
	httpx.WriteError(req.Context(), w, httpx.NewError(code, message, status))
}
