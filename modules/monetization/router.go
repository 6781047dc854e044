package monetization

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmitrymomot/promokit/pkg/httpserver"
	"github.com/dmitrymomot/promokit/pkg/jwtauth"
	"github.com/dmitrymomot/promokit/pkg/metrics"
	"github.com/dmitrymomot/promokit/pkg/ratelimiter"
	"github.com/dmitrymomot/promokit/pkg/requestid"
)

// RouterOptions configures the monetization HTTP surface.
type RouterOptions struct {
	Service  Service
	Verifier *jwtauth.Verifier
	Logger   *slog.Logger
	// Registry enables request metrics and GET /metrics when set.
	Registry *prometheus.Registry
	// Checks run on GET /health/ready.
	Checks []httpserver.Check
	// RateLimiter throttles POST /checkout and POST /free-trial per profile.
	RateLimiter *ratelimiter.Bucket
}

// Router mounts the public API, provider webhooks, health probes and
// metrics.
//
// Example:
//
//	r := monetization.Router(monetization.RouterOptions{
//	    Service:  svc,
//	    Verifier: verifier,
//	    Logger:   log,
//	    Registry: reg,
//	    Checks:   []httpserver.Check{{Name: "postgres", Fn: pool.Ping}},
//	})
//	srv.Run(ctx, r)
func Router(opts RouterOptions) chi.Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(requestid.Middleware, middleware.Recoverer)

	if opts.Registry != nil {
		r.Use(metrics.NewHTTP(opts.Registry, "promokit").Middleware)
		r.Handle("/metrics", metrics.Handler(opts.Registry))
	}

	r.Get("/health/live", httpserver.LivenessHandler())
	r.Get("/health/ready", httpserver.ReadinessHandler(log, opts.Checks...))

	r.Mount("/webhooks", NewWebhooks(opts.Service, log).Handle())
	var apiOpts []APIOption
	if opts.RateLimiter != nil {
		apiOpts = append(apiOpts, WithRateLimiter(opts.RateLimiter))
	}
	r.Mount("/", NewAPI(opts.Service, opts.Verifier, log, apiOpts...).Handle())

	return r
}
