// Package auth turns HS256 bearer tokens into domain actors.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/joao-fontenele/orderflow-dispatch/internal/domain"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type claims struct {
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, actor)
}

func FromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(ctxKey{}).(domain.Actor)
	return actor, ok
}

// ParseToken validates tokenStr and returns the actor in its subject and
// role claims.
func ParseToken(tokenStr, secret string) (domain.Actor, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	actor := domain.Actor{ID: c.Subject, Role: domain.Role(strings.ToLower(c.Role)), Email: c.Email}
	if actor.ID == "" {
		return domain.Actor{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	if !actor.Role.Valid() {
		return domain.Actor{}, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, c.Role)
	}
	return actor, nil
}

// IssueToken signs a token for actor valid for ttl.
func IssueToken(secret string, actor domain.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role:  string(actor.Role),
		Email: actor.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString([]byte(secret))
}

// BearerToken extracts the token from the Authorization header, falling back
// to the access_token query parameter that browser WebSocket clients use.
func BearerToken(header, query string) string {
	if h := strings.TrimSpace(header); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(query)
}
