package auth

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/limiquantix/rebalancer/internal/config"
	"github.com/limiquantix/rebalancer/internal/domain"
)

// Service authenticates operators against the configured credentials.
type Service struct {
	operators  map[string]*domain.Operator
	jwtManager *JWTManager
	logger     *zap.Logger
}

// NewService creates a new auth service. The configured admin is the only
// operator; without a password hash nobody can log in.
func NewService(cfg config.AuthConfig, jwtManager *JWTManager, logger *zap.Logger) *Service {
	s := &Service{
		operators:  make(map[string]*domain.Operator),
		jwtManager: jwtManager,
		logger:     logger.With(zap.String("service", "auth")),
	}
	if cfg.AdminUser != "" && cfg.AdminPasswordHash != "" {
		s.operators[cfg.AdminUser] = &domain.Operator{
			Username:     cfg.AdminUser,
			PasswordHash: cfg.AdminPasswordHash,
			Role:         domain.RoleAdmin,
		}
	}
	return s
}

// AddOperator registers an additional operator.
func (s *Service) AddOperator(op *domain.Operator) {
	s.operators[op.Username] = op
}

// Login checks credentials and returns an access token.
func (s *Service) Login(ctx context.Context, username, password string) (*Token, error) {
	s.logger.Info("Login attempt", zap.String("username", username))

	op, ok := s.operators[username]
	if !ok {
		s.logger.Warn("Login failed: unknown operator", zap.String("username", username))
		return nil, fmt.Errorf("%w: invalid credentials", domain.ErrPermissionDenied)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		s.logger.Warn("Login failed: invalid password", zap.String("username", username))
		return nil, fmt.Errorf("%w: invalid credentials", domain.ErrPermissionDenied)
	}

	token, err := s.jwtManager.Generate(op)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Login successful", zap.String("username", username), zap.String("role", string(op.Role)))
	return token, nil
}

// Authorize checks that claims carry the permission.
func (s *Service) Authorize(claims *Claims, permission domain.Permission) error {
	if claims == nil || !domain.HasPermission(claims.Role, permission) {
		return fmt.Errorf("%w: %s required", domain.ErrPermissionDenied, permission)
	}
	return nil
}

// HashPassword returns the bcrypt hash for a new operator password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
