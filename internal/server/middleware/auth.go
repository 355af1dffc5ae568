// Package middleware provides HTTP middleware for the status API.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/services/auth"
)

// ContextKey is the type for context keys.
type ContextKey string

// ClaimsKey is the context key for JWT claims.
const ClaimsKey ContextKey = "claims"

// Authenticator checks bearer tokens on protected routes.
type Authenticator struct {
	jwtManager *auth.JWTManager
	logger     *zap.Logger
}

// NewAuthenticator creates a new bearer token authenticator.
func NewAuthenticator(jwtManager *auth.JWTManager, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		jwtManager: jwtManager,
		logger:     logger.With(zap.String("middleware", "auth")),
	}
}

// Require rejects requests without a valid bearer token and stores the
// claims in the request context.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			a.logger.Debug("Missing authorization header", zap.String("path", r.URL.Path))
			unauthenticated(w, "missing authorization header")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			unauthenticated(w, "invalid authorization format, expected 'Bearer <token>'")
			return
		}

		claims, err := a.jwtManager.Verify(tokenString)
		if err != nil {
			a.logger.Debug("Token verification failed", zap.Error(err))
			unauthenticated(w, "invalid or expired token")
			return
		}

		a.logger.Debug("Request authenticated",
			zap.String("username", claims.Username),
			zap.String("role", string(claims.Role)),
			zap.String("path", r.URL.Path),
		)

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ClaimsKey, claims)))
	})
}

// ClaimsFromContext returns the claims stored by Require.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*auth.Claims)
	return claims, ok
}

func unauthenticated(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="rebalancer"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
