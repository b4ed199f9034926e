package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in Claims.Role.
const (
	RoleBridge = "bridge"
	RoleAdmin  = "admin"
)

// Claims represents the JWT payload shared by the bridge gateway and the admin API.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Service handles HS256 token creation and validation.
type Service struct {
	secret    []byte
	expiresIn time.Duration
	now       func() time.Time
}

// NewService returns configured token service.
func NewService(secret string, expiresIn time.Duration) *Service {
	if expiresIn <= 0 {
		expiresIn = 5 * time.Minute
	}
	return &Service{secret: []byte(secret), expiresIn: expiresIn, now: time.Now}
}

// Generate issues a token for subject with the given role.
func (s *Service) Generate(subject, role string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("token: subject is required")
	}
	if len(s.secret) == 0 {
		return "", errors.New("token: secret is empty")
	}

	now := s.now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiresIn)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate verifies and decodes a token.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("token: unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := parsed.Claims.(*Claims); ok && parsed.Valid {
		return claims, nil
	}

	return nil, errors.New("token: invalid claims")
}
