package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/domain"
	"github.com/limiquantix/rebalancer/internal/repository/etcd"
	"github.com/limiquantix/rebalancer/internal/repository/redis"
	"github.com/limiquantix/rebalancer/internal/server/middleware"
)

const (
	defaultPlanLimit = 20
	maxPlanLimit     = 100
)

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "rebalancer"})
}

// readyHandler checks every configured backend.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready := true
	details := map[string]string{}
	for name, checker := range s.checks {
		if err := checker.Health(ctx); err != nil {
			ready = false
			details[name] = "unhealthy"
			s.logger.Warn("Readiness check failed", zap.String("component", name), zap.Error(err))
			continue
		}
		details[name] = "healthy"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "components": details})
}

// liveHandler returns liveness status.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

// infoHandler returns the service identity and the active balancing settings.
func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	b := s.config.Balancing
	info := map[string]any{
		"name":        "rebalancer",
		"version":     Version,
		"api_version": "v1",
		"balancing": map[string]any{
			"enabled":                     b.Enable,
			"method":                      b.Method,
			"mode":                        b.Mode,
			"balanciness":                 b.Balanciness,
			"balance_larger_guests_first": b.BalanceLargerGuestsFirst,
			"dry_run":                     s.runner.DryRun(),
		},
		"daemon":  s.config.Service.Daemon,
		"running": s.runner.IsRunning(),
		"infrastructure": map[string]bool{
			"postgres": s.db != nil,
			"redis":    s.cache != nil,
			"etcd":     s.leaders != nil,
		},
	}
	if last := s.runner.GetLastRunTime(); !last.IsZero() {
		info["last_run"] = last
	}
	if s.leaders != nil {
		election := s.config.Coordination.Election
		leader, err := s.leaders.GetLeader(r.Context(), election)
		switch {
		case err == nil:
			info["leader"] = leader
		case errors.Is(err, etcd.ErrKeyNotFound):
			info["leader"] = ""
		default:
			s.logger.Warn("Failed to look up leader", zap.String("election", election), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, info)
}

// listPlansHandler handles GET /api/v1/plans?limit=N.
func (s *Server) listPlansHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultPlanLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: limit must be a positive integer", domain.ErrInvalidArgument))
			return
		}
		limit = min(n, maxPlanLimit)
	}

	plans, err := s.planRepo.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list plans", zap.Error(err))
		writeError(w, err)
		return
	}
	if plans == nil {
		plans = []*domain.Plan{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans, "total": len(plans)})
}

// latestPlanHandler handles GET /api/v1/plans/latest.
func (s *Server) latestPlanHandler(w http.ResponseWriter, r *http.Request) {
	if s.cache != nil {
		plan, err := s.cache.LatestPlan(r.Context())
		if err == nil {
			writeJSON(w, http.StatusOK, plan)
			return
		}
		if !errors.Is(err, redis.ErrCacheMiss) {
			s.logger.Warn("Plan cache lookup failed, reading repository", zap.Error(err))
		}
	}

	plan, err := s.planRepo.Latest(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// getPlanHandler handles GET /api/v1/plans/{id}.
func (s *Server) getPlanHandler(w http.ResponseWriter, r *http.Request) {
	plan, err := s.planRepo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// triggerRunHandler handles POST /api/v1/runs.
func (s *Server) triggerRunHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())

	permission := domain.PermissionRunExecute
	if s.runner.DryRun() {
		permission = domain.PermissionRunDry
	}
	if err := s.authService.Authorize(claims, permission); err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info("Run triggered", zap.String("username", claims.Username))

	// The cycle is not abandoned when the caller disconnects.
	plan, err := s.runner.TriggerRun(context.WithoutCancel(r.Context()))
	if err != nil {
		s.logger.Warn("Triggered run failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// tokenHandler handles POST /api/v1/auth/token.
func (s *Server) tokenHandler(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: malformed request body", domain.ErrInvalidArgument))
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, fmt.Errorf("%w: username and password are required", domain.ErrInvalidArgument))
		return
	}

	token, err := s.authService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	writeJSON(w, http.StatusOK, token)
}
