// Package auth issues and validates the bearer tokens that guard the API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sproutplan/sproutplan/internal/config"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrDisabled     = errors.New("authentication is not configured")
)

// Roles. Viewers may only read schedules and records.
const (
	RolePlanner = "planner"
	RoleViewer  = "viewer"
)

// Claims represents the JWT token claims.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the caller behind a validated token.
type Identity struct {
	Subject string
	Role    string
}

// CanWrite reports whether the identity may mutate orders and subscriptions.
func (id *Identity) CanWrite() bool {
	return id != nil && id.Role == RolePlanner
}

// Service handles token operations.
type Service struct {
	jwtSecret []byte
	jwtExpiry time.Duration
	now       func() time.Time
}

// NewService creates a token service. With an empty secret the service is
// disabled and every call fails with ErrDisabled.
func NewService(cfg config.AuthConfig) *Service {
	return &Service{
		jwtSecret: []byte(cfg.JWTSecret),
		jwtExpiry: cfg.JWTExpiry.Duration,
		now:       time.Now,
	}
}

// Enabled reports whether tokens are required.
func (s *Service) Enabled() bool {
	return len(s.jwtSecret) > 0
}

// IssueToken signs a token for subject with role. A zero ttl uses the
// configured expiry.
func (s *Service) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	if role != RolePlanner && role != RoleViewer {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if ttl == 0 {
		ttl = s.jwtExpiry
	}
	now := s.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken validates a bearer token and returns the identity it carries.
func (s *Service) ValidateToken(_ context.Context, tokenStr string) (*Identity, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	return &Identity{Subject: claims.Subject, Role: claims.Role}, nil
}
