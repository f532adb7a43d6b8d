package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/huddlehq/huddle/backend/go/internal/v1/types"
)

const (
	guestIssuer = "huddle-signaling"
	guestScope  = "guest"
)

// GuestTokenIssuer mints and verifies short-lived HS256 tokens for
// guests joining without an account. The subject carries the guest
// marker, so downstream code never writes guest transitions to the
// call store. It implements types.TokenVerifier for its own tokens.
type GuestTokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewGuestTokenIssuer builds an issuer from the shared signing secret.
func NewGuestTokenIssuer(secret string, ttl time.Duration) (*GuestTokenIssuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("guest token secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &GuestTokenIssuer{secret: []byte(secret), ttl: ttl}, nil
}

// Issue mints a token for the given display name. The subject is a
// fresh guest id; issuing twice never yields the same identity.
func (g *GuestTokenIssuer) Issue(guestName string) (string, error) {
	guestName = strings.TrimSpace(guestName)
	if guestName == "" {
		return "", errors.New("guest name is required")
	}
	if len(guestName) > 64 {
		return "", errors.New("guest name cannot exceed 64 characters")
	}

	now := time.Now()
	claims := &CustomClaims{
		Scope: guestScope,
		Name:  guestName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   types.GuestUserPrefix + uuid.NewString(),
			Issuer:    guestIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign guest token: %w", err)
	}
	return signed, nil
}

// Verify implements types.TokenVerifier for guest tokens.
func (g *GuestTokenIssuer) Verify(_ context.Context, tokenString string) (*types.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return g.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(guestIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse guest token: %w", err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, errors.New("guest token is invalid")
	}
	if !types.IsGuestUser(types.UserIdType(claims.Subject)) {
		return nil, errors.New("guest token subject missing guest marker")
	}

	return claims.Identity(), nil
}
