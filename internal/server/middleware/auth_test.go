package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/config"
	"github.com/limiquantix/rebalancer/internal/domain"
	"github.com/limiquantix/rebalancer/internal/services/auth"
)

func TestAuthenticator_Require(t *testing.T) {
	manager := auth.NewJWTManager(config.AuthConfig{JWTSecret: "test-secret-key-at-least-32-bytes-long", TokenExpiry: time.Minute})
	token, err := manager.Generate(&domain.Operator{Username: "ops", Role: domain.RoleOperator})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	var seen *auth.Claims
	handler := NewAuthenticator(manager, zap.NewNop()).Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer " + token.AccessToken, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, rec.Code)
			}
		})
	}

	if seen == nil || seen.Username != "ops" {
		t.Error("Expected claims in request context")
	}
}
