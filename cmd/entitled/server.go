package main

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/internal/config"
	httpmw "github.com/mihaimyh/goentitle/middleware/http"
	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/stripe"
	"github.com/mihaimyh/goentitle/pkg/entitle"
	zlogadapter "github.com/mihaimyh/goentitle/pkg/entitle/logger/zerolog"
)

// routerDeps is everything newRouter wires together
type routerDeps struct {
	cfg            *config.Config
	manager        *entitle.Manager
	logger         zerolog.Logger
	registry       *prometheus.Registry // nil disables /metrics
	billingMetrics billing.Metrics
	ping           func(*http.Request) error
}

func newRouter(d routerDeps) (http.Handler, error) {
	entLogger := zlogadapter.NewLogger(d.logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if d.ping != nil {
			if err := d.ping(req); err != nil {
				http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if d.registry != nil {
		r.Method(http.MethodGet, d.cfg.Metrics.Path, promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	}

	usage, err := api.NewHandler(api.Config{
		Manager:      d.manager,
		GetProjectID: projectFromPath,
		Logger:       entLogger,
	})
	if err != nil {
		return nil, err
	}

	var gateway http.Handler
	if d.cfg.Gateway.Upstream != "" {
		if gateway, err = newGateway(d.cfg.Gateway, d.manager); err != nil {
			return nil, err
		}
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tiers", usage.Tiers)
		r.Post("/projects", usage.CreateProject)
		r.Route("/projects/{id}", func(r chi.Router) {
			r.Get("/usage", usage.GetUsage)
			r.Get("/check", usage.Check)
			r.Put("/tier", usage.ChangeTier)
			if gateway != nil {
				r.Handle("/actions/{resource}", gateway)
				r.Handle("/actions/{resource}/*", gateway)
			}
		})
	})

	if d.cfg.Stripe.WebhookSecret != "" {
		provider, err := stripe.NewProvider(stripe.Config{
			Config: billing.Config{
				Manager:     d.manager,
				TierMapping: d.cfg.TierMapping(),
				Metrics:     d.billingMetrics,
				Logger:      entLogger,
			},
			StripeAPIKey:        d.cfg.Stripe.APIKey,
			StripeWebhookSecret: d.cfg.Stripe.WebhookSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("stripe provider: %w", err)
		}
		r.Method(http.MethodPost, "/webhooks/stripe", provider.WebhookHandler())
	}

	return r, nil
}

// newGateway guards a reverse proxy to the content service: each forwarded request
// spends the resource named in the path and is charged only if upstream succeeds.
func newGateway(cfg config.GatewayConfig, manager *entitle.Manager) (http.Handler, error) {
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("gateway.upstream: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(upstream)

	guard := httpmw.Middleware(httpmw.Config{
		Manager:      manager,
		GetProjectID: projectFromPath,
		GetResource: func(r *http.Request) entitle.ResourceKind {
			return entitle.ResourceKind(chi.URLParam(r, "resource"))
		},
		GetCost: costFromHeader(cfg.CostHeader),
	})

	return guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Set("X-Entitle-Project", projectFromPath(r))
		proxy.ServeHTTP(w, r)
	})), nil
}

func projectFromPath(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// costFromHeader reads the spend from header, defaulting to 1
func costFromHeader(header string) httpmw.CostExtractor {
	return func(r *http.Request) (int, error) {
		raw := r.Header.Get(header)
		if raw == "" {
			return 1, nil
		}
		cost, err := strconv.Atoi(raw)
		if err != nil || cost <= 0 || cost > entitle.MaxCost {
			return 0, fmt.Errorf("invalid %s header %q", header, raw)
		}
		return cost, nil
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
