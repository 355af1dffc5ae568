// Package server provides the HTTP status API of the rebalancer.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/config"
	"github.com/limiquantix/rebalancer/internal/domain"
	"github.com/limiquantix/rebalancer/internal/drs"
	"github.com/limiquantix/rebalancer/internal/repository/etcd"
	"github.com/limiquantix/rebalancer/internal/repository/postgres"
	"github.com/limiquantix/rebalancer/internal/repository/redis"
	"github.com/limiquantix/rebalancer/internal/server/middleware"
	"github.com/limiquantix/rebalancer/internal/services/auth"
)

// Version is reported by /api/v1/info.
var Version = "dev"

// Runner is the part of the scheduling engine the API drives.
type Runner interface {
	TriggerRun(ctx context.Context) (*domain.Plan, error)
	LastPlan() *domain.Plan
	GetLastRunTime() time.Time
	IsRunning() bool
	DryRun() bool
}

// HealthChecker reports whether a backing service is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// PlanCache answers latest-plan lookups ahead of the plan repository.
type PlanCache interface {
	LatestPlan(ctx context.Context) (*domain.Plan, error)
}

// LeaderLookup names the instance currently holding an election.
type LeaderLookup interface {
	GetLeader(ctx context.Context, name string) (string, error)
}

// Server represents the HTTP status server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux

	// Infrastructure
	db      *postgres.DB
	cache   PlanCache
	leaders LeaderLookup
	checks  map[string]HealthChecker

	planRepo drs.PlanRepository
	runner   Runner
	events   *EventHub

	authService *auth.Service
	auth        *middleware.Authenticator
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithPostgreSQL reports PostgreSQL in readiness checks.
func WithPostgreSQL(db *postgres.DB) ServerOption {
	return func(s *Server) {
		s.db = db
		s.checks["postgres"] = db
	}
}

// WithRedis serves the latest plan from Redis and reports it in readiness
// checks.
func WithRedis(cache *redis.Cache) ServerOption {
	return func(s *Server) {
		s.cache = cache
		s.checks["redis"] = cache
	}
}

// WithEtcd reports the election leader on /api/v1/info and etcd in
// readiness checks.
func WithEtcd(client *etcd.Client) ServerOption {
	return func(s *Server) {
		s.leaders = client
		s.checks["etcd"] = client
	}
}

// WithPlanCache serves the latest plan from cache when it has one.
func WithPlanCache(cache PlanCache) ServerOption {
	return func(s *Server) {
		s.cache = cache
	}
}

// WithLeaderLookup reports the election leader on /api/v1/info.
func WithLeaderLookup(leaders LeaderLookup) ServerOption {
	return func(s *Server) {
		s.leaders = leaders
	}
}

// WithHealthCheck adds a named readiness check.
func WithHealthCheck(name string, checker HealthChecker) ServerOption {
	return func(s *Server) {
		s.checks[name] = checker
	}
}

// WithEventHub serves plan events from hub on /api/v1/events.
func WithEventHub(hub *EventHub) ServerOption {
	return func(s *Server) {
		s.events = hub
	}
}

// New creates a new server instance.
func New(
	cfg *config.Config,
	planRepo drs.PlanRepository,
	runner Runner,
	authService *auth.Service,
	jwtManager *auth.JWTManager,
	logger *zap.Logger,
	opts ...ServerOption,
) *Server {
	s := &Server{
		config:      cfg,
		logger:      logger.With(zap.String("component", "server")),
		mux:         http.NewServeMux(),
		checks:      make(map[string]HealthChecker),
		planRepo:    planRepo,
		runner:      runner,
		authService: authService,
		auth:        middleware.NewAuthenticator(jwtManager, logger),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.setupMiddleware(s.mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes() {
	// Health endpoints
	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("GET /healthz", s.healthHandler)
	s.mux.HandleFunc("GET /ready", s.readyHandler)
	s.mux.HandleFunc("GET /live", s.liveHandler)

	s.mux.HandleFunc("GET /api/v1/info", s.infoHandler)

	// Plans
	s.mux.HandleFunc("GET /api/v1/plans", s.listPlansHandler)
	s.mux.HandleFunc("GET /api/v1/plans/latest", s.latestPlanHandler)
	s.mux.HandleFunc("GET /api/v1/plans/{id}", s.getPlanHandler)

	// Runs and auth
	s.mux.Handle("POST /api/v1/runs", s.auth.Require(http.HandlerFunc(s.triggerRunHandler)))
	s.mux.HandleFunc("POST /api/v1/auth/token", s.tokenHandler)

	if s.events != nil {
		s.mux.HandleFunc("GET /api/v1/events", s.events.ServeHTTP)
	}

	s.logger.Debug("All routes registered", zap.Bool("events", s.events != nil))
}

// setupMiddleware configures middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400,
	})

	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		switch r.URL.Path {
		case "/health", "/healthz", "/ready", "/live":
			return
		}

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack is required by the websocket upgrade.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server", zap.String("address", s.config.Server.Address()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")

	if s.events != nil {
		s.events.Close()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Server.Address()
}

// =============================================================================
// RESPONSES
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
