// Package httptransport assembles the public HTTP surface.
package httptransport

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clinicore/internal/platform/middleware"
)

// Registrar mounts a group of routes.
type Registrar interface {
	Register(r chi.Router)
}

type RouterConfig struct {
	Logger         *slog.Logger
	Verifier       middleware.ClaimsVerifier
	Latency        middleware.LatencyObserver
	Gatherer       prometheus.Gatherer
	TrustedProxies []netip.Prefix
	RequestTimeout time.Duration
	// RateLimit runs after authentication so it can key on the actor.
	RateLimit func(http.Handler) http.Handler
	// Public routes skip authentication (health probes).
	Public []Registrar
	// Protected routes require a bearer token.
	Protected []Registrar
}

// NewRouter wires the middleware stack, probes, metrics and API routes.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.ClientMetadata(cfg.TrustedProxies))
	r.Use(middleware.Logger(cfg.Logger))
	if cfg.Latency != nil {
		r.Use(middleware.Latency(cfg.Latency))
	}

	for _, reg := range cfg.Public {
		reg.Register(r)
	}
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		if cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
		}
		r.Use(middleware.ContentTypeJSON)
		r.Use(middleware.RequireActor(cfg.Verifier, cfg.Logger))
		if cfg.RateLimit != nil {
			r.Use(cfg.RateLimit)
		}
		for _, reg := range cfg.Protected {
			reg.Register(r)
		}
	})

	return r
}
