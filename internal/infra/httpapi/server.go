// Package httpapi exposes case grading over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"caserun/internal/domain/execution"
	"caserun/internal/ports"
	"caserun/internal/runtime"
)

// Grader runs a submission against a case.
type Grader interface {
	Run(ctx context.Context, req execution.Request) (execution.Report, error)
}

// LanguageLister enumerates the configured language profiles and their effective limits.
type LanguageLister interface {
	Profiles() []runtime.Profile
	Limits(profile runtime.Profile) execution.RunLimits
}

// Pinger checks that the container engine is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds listener settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodyBytes int64
	RateLimit    RateLimitConfig
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	return c
}

// Server is the HTTP front end of the grading service.
type Server struct {
	cfg       Config
	grader    Grader
	cases     ports.CaseCatalog
	languages LanguageLister
	health    Pinger
	limiter   *RateLimiter
	logger    zerolog.Logger
	router    chi.Router
	http      *http.Server
}

// New wires routes around the supplied collaborators.
func New(cfg Config, grader Grader, cases ports.CaseCatalog, languages LanguageLister, health Pinger, logger zerolog.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:       cfg,
		grader:    grader,
		cases:     cases,
		languages: languages,
		health:    health,
		limiter:   NewRateLimiter(cfg.RateLimit),
		logger:    logger,
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Get("/languages", s.handleLanguages)
		r.Get("/cases", s.handleListCases)
		r.Get("/cases/{id}", s.handleGetCase)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Post("/run", s.handleRun)
			r.Post("/cases/{id}/run", s.handleCaseRun)
		})
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.limiter.StartCleanup(ctx, time.Minute)

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("starting HTTP server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Info().Msg("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
