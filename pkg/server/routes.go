package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"eidos-hq/speechgate/pkg/server/middleware"
	"eidos-hq/speechgate/pkg/telemetry/tracing"
)

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	if s.cfg.TrustedProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.RequestID)
	r.Use(tracing.HTTPMiddleware(s.opts.Tracer))
	r.Use(middleware.Logging(s.logger, s.opts.Metrics))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, http.StatusNotFound, middleware.CodeNotFound,
			"The requested resource was not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, http.StatusMethodNotAllowed, middleware.CodeBadRequest,
			"The requested method is not allowed for this resource")
	})

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.opts.Readiness.ReadinessHandler())
	if s.opts.Metrics != nil {
		path := s.opts.Config.Load().Telemetry.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, s.opts.Metrics.Handler())
	}

	r.Route("/v1/tts", func(r chi.Router) {
		r.Use(middleware.Identity(s.opts.Config, s.logger))
		r.Post("/", s.handleTTS)
		r.Post("/script", s.handleScript)
	})

	return r
}
