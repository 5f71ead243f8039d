// Package api provides the HTTP server of s2a.
// Feature handlers mount their own routes under /api; the server adds the
// shared middleware stack, /health and /metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/s2a/internal/httpx"
	"serotonyl.ru/s2a/internal/ratelimit"
	"serotonyl.ru/s2a/internal/store"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	healthTimeout   = 2 * time.Second
)

// Router is implemented by every feature handler.
type Router interface {
	Routes(r chi.Router)
}

type mount struct {
	prefix string
	router Router
}

// Server is the s2a HTTP API server.
type Server struct {
	store          store.Store
	limiter        *ratelimit.Limiter[string]
	corsOrigins    map[string]struct{}
	metricsEnabled bool
	mounts         []mount
}

// NewServer creates a server. limiter may be nil to disable rate limiting.
func NewServer(st store.Store, limiter *ratelimit.Limiter[string]) *Server {
	return &Server{
		store:       st,
		limiter:     limiter,
		corsOrigins: make(map[string]struct{}),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetCORSOrigins sets the origins allowed to call the API from a browser.
func (s *Server) SetCORSOrigins(origins []string) {
	for _, o := range origins {
		s.corsOrigins[o] = struct{}{}
	}
}

// Mount registers a feature router under /api/<name>.
func (s *Server) Mount(name string, r Router) {
	s.mounts = append(s.mounts, mount{prefix: "/api/" + name, router: r})
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestMetrics)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(s.cors)

	r.Get("/health", s.health)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.rateLimit)
		}
		for _, m := range s.mounts {
			r.Route(m.prefix, m.router.Routes)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusNotFound, httpx.ErrorResponse{Error: "route not found", Code: "not_found"})
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		log.WithError(err).Warn("Health check: database unreachable")
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("HTTP server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
