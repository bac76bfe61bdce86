// Package auth проверяет bearer-токены (JWT HS256), выпущенные основным приложением.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/taskhub/internal/model"
)

const defaultTokenTTL = 30 * 24 * time.Hour

var ErrInvalidToken = errors.New("invalid token")

type Service struct {
	secret []byte
	ttl    time.Duration
}

type Claims struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func New(secret string) *Service {
	return &Service{secret: []byte(secret), ttl: defaultTokenTTL}
}

// GenerateToken нужен для -token и тестов; в продакшене токены выпускает основное приложение.
func (s *Service) GenerateToken(id model.Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		ID:       id.ID,
		Username: id.Username,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ID == "" {
		claims.ID = claims.Subject
	}
	if strings.TrimSpace(claims.ID) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Identity — пользователь из проверенного токена; без username подставляется id.
func (c *Claims) Identity() model.Identity {
	name := c.Username
	if name == "" {
		name = c.ID
	}
	return model.Identity{ID: c.ID, Username: name, Role: c.Role}
}

// ParseDevIdentity разбирает "id:username[:role]" из флага -token.
func ParseDevIdentity(s string) (model.Identity, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return model.Identity{}, errors.New("expected id:username[:role]")
	}
	id := model.Identity{ID: parts[0], Username: parts[1]}
	if len(parts) == 3 {
		id.Role = parts[2]
	}
	return id, nil
}
