// Package auth issues and validates the bearer tokens that protect the
// dashboard API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/clock"
)

const issuer = "market-dashboard"

var tracer = otel.Tracer("jwt-manager")

// ErrMissingSecret is returned when no signing secret is configured.
var ErrMissingSecret = errors.New("JWT signing secret is required")

// JWTManager signs and validates HS256 tokens. After a rotation the previous
// key still validates tokens until they expire.
type JWTManager struct {
	mu       sync.RWMutex
	keys     map[string][]byte
	activeID string
	keySeq   int
	clock    clock.Clock
	tracer   trace.Tracer
}

// Claims carries the dashboard user and their roles.
type Claims struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims include role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// NewJWTManager creates a manager signing with secret. clk may be nil.
func NewJWTManager(secret string, clk clock.Clock) (*JWTManager, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &JWTManager{
		keys:     map[string][]byte{"k1": []byte(secret)},
		activeID: "k1",
		keySeq:   1,
		clock:    clk,
		tracer:   tracer,
	}, nil
}

// GenerateToken signs a token for userID valid for duration.
func (jm *JWTManager) GenerateToken(ctx context.Context, userID string, roles []string, duration time.Duration) (string, error) {
	_, span := jm.tracer.Start(ctx, "jwt.generate_token")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	if duration <= 0 {
		return "", fmt.Errorf("token duration must be positive")
	}

	now := jm.clock.Now()
	claims := &Claims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   userID,
			ID:        uuid.NewString(),
		},
	}

	jm.mu.RLock()
	kid, key := jm.activeID, jm.keys[jm.activeID]
	jm.mu.RUnlock()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = kid

	signed, err := token.SignedString(key)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	span.SetAttributes(attribute.String("jwt.id", claims.ID), attribute.String("jwt.kid", kid))
	return signed, nil
}

// ValidateToken parses and verifies a token.
func (jm *JWTManager) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	_, span := jm.tracer.Start(ctx, "jwt.validate_token")
	defer span.End()

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		jm.mu.RLock()
		defer jm.mu.RUnlock()
		if kid == "" {
			kid = jm.activeID
		}
		key, ok := jm.keys[kid]
		if !ok {
			span.SetAttributes(attribute.String("jwt.unknown_kid", kid))
			return nil, fmt.Errorf("unknown signing key %q", kid)
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(jm.clock.Now),
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	span.SetAttributes(attribute.String("user.id", claims.UserID), attribute.String("jwt.id", claims.ID))
	return claims, nil
}

// RefreshToken issues a new token with the same user and roles.
func (jm *JWTManager) RefreshToken(ctx context.Context, tokenString string, duration time.Duration) (string, error) {
	ctx, span := jm.tracer.Start(ctx, "jwt.refresh_token")
	defer span.End()

	claims, err := jm.ValidateToken(ctx, tokenString)
	if err != nil {
		return "", fmt.Errorf("cannot refresh invalid token: %w", err)
	}
	return jm.GenerateToken(ctx, claims.UserID, claims.Roles, duration)
}

// RotateSigningKey makes secret the signing key. Only the key it replaces is
// kept for validation; older keys are dropped.
func (jm *JWTManager) RotateSigningKey(ctx context.Context, secret string) error {
	_, span := jm.tracer.Start(ctx, "jwt.rotate_signing_key")
	defer span.End()

	if secret == "" {
		return ErrMissingSecret
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	prev := jm.activeID
	jm.keySeq++
	next := fmt.Sprintf("k%d", jm.keySeq)
	jm.keys = map[string][]byte{prev: jm.keys[prev], next: []byte(secret)}
	jm.activeID = next

	span.SetAttributes(attribute.String("jwt.key_id", next))
	return nil
}
