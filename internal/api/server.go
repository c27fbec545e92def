// Package api serves the router, resolver, reliability and DEFCON operations
// over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MetaStark/vision-IoS-sub006/internal/conflict"
	"github.com/MetaStark/vision-IoS-sub006/internal/defcon"
	"github.com/MetaStark/vision-IoS-sub006/internal/reliability"
	"github.com/MetaStark/vision-IoS-sub006/internal/router"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the handlers call.
//
// The API does no authentication of its own. DEFCON downgrades are checked
// against the caller's role, so in any deployment reachable by untrusted
// clients RoleHeader must name a header that an authenticating proxy sets
// and strips from inbound requests. When RoleHeader is set the actor_role
// field of a transition body is ignored.
type Deps struct {
	Router         *router.Router
	Resolver       *conflict.Resolver
	Reliability    *reliability.Service
	Machine        *defcon.Machine
	Store          Pinger
	AllowedOrigins []string
	RoleHeader     string
}

// Server holds the handler dependencies.
type Server struct {
	deps Deps
	log  *zap.Logger
}

// NewServer creates a Server.
func NewServer(d Deps) *Server {
	return &Server{deps: d, log: zap.L().With(zap.String("component", "api"))}
}

// Handler builds the chi router with every route mounted.
func (s *Server) Handler() http.Handler {
	origins := s.deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/route", s.handleRoute)
		r.Post("/usage", s.handleUsage)
		r.Post("/quotas/reset", s.handleQuotaReset)

		r.Route("/conflicts", func(r chi.Router) {
			r.Get("/", s.handleListConflicts)
			r.Post("/resolve", s.handleResolve)
			r.Get("/{id}", s.handleGetConflict)
			r.Post("/{id}/override", s.handleOverride)
		})

		r.Post("/reliability/calibrate", s.handleCalibrate)
		r.Get("/reliability/effective", s.handleEffective)

		r.Route("/defcon", func(r chi.Router) {
			r.Get("/", s.handleDefconStatus)
			r.Post("/transition", s.handleTransition)
			r.Get("/history", s.handleHistory)
			r.Get("/events", s.handleEvents)
		})
		r.Post("/telemetry", s.handleTelemetry)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
