package http

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/fulfillment/pkg/health"
	"github.com/utafrali/fulfillment/pkg/middleware"
)

// NewRouter assembles the service router: operational endpoints at the root,
// API endpoints under /api/v1.
func NewRouter(
	orders *OrderHandler,
	inventory *InventoryHandler,
	healthHandler *health.Handler,
	logger *slog.Logger,
	serviceName string,
) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.PrometheusMetrics(serviceName))

	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		orders.Routes(api)
		inventory.Routes(api)
	})

	return r
}
