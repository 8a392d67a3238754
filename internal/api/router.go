package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/realtime-gateway/internal/api/handler"
	apimw "github.com/notifyhub/realtime-gateway/internal/api/middleware"
	"github.com/notifyhub/realtime-gateway/internal/auth"
	"github.com/notifyhub/realtime-gateway/internal/service"
	"github.com/notifyhub/realtime-gateway/internal/worker"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Service  *service.NotificationService
	Verifier auth.TokenVerifier
	// Realtime serves the WebSocket upgrade at /ws.
	Realtime http.Handler
	Conns    worker.ConnectionStats
	Queue    worker.QueueStats
	Gatherer prometheus.Gatherer
	// Ping checks the notification store for /health; may be nil.
	Ping   func(ctx context.Context) error
	Logger *zap.Logger
}

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(apimw.CorrelationID)
	r.Use(apimw.RequestLogger(d.Logger))

	// --- handler instances ---
	nh := handler.NewNotificationHandler(d.Service, d.Logger)
	ch := handler.NewContactHandler(d.Service, d.Logger)
	sh := handler.NewStatusHandler(d.Conns)
	mh := handler.NewMetricsHandler(d.Conns, d.Queue)
	hh := handler.NewHealthHandler(d.Ping)

	// --- routes ---
	r.Get("/health", hh.Health)
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	// Authentication on /ws happens in-band after the upgrade.
	r.Method(http.MethodGet, "/ws", d.Realtime)
	r.Get("/ws/status", sh.Status)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/metrics", mh.GetMetrics)

		r.Group(func(r chi.Router) {
			r.Use(chimw.RequestSize(1 << 20))
			r.Use(apimw.BearerAuth(d.Verifier, d.Logger))

			r.With(apimw.RequireScope(auth.ScopePublish, d.Logger)).Post("/notifications", nh.Create)
			r.Get("/notifications", nh.List)
			r.Post("/notifications/{id}/read", nh.MarkRead)

			r.Get("/me/contact", ch.Get)
			r.Put("/me/contact", ch.Put)
		})
	})

	return r
}
