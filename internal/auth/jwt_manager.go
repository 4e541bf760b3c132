package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("jwt-manager")

const issuer = "cad-orchestrator"

// JWTManager signs and validates session tokens
type JWTManager struct {
	signingKey []byte
	algorithm  string
	keyID      string
	ttl        time.Duration
	tracer     trace.Tracer
}

// Claims binds a bearer to one regeneration session
type Claims struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	jwt.RegisteredClaims
}

// NewJWTManager creates a JWT manager. ttl is the lifetime of issued tokens.
func NewJWTManager(secret string, ttl time.Duration) (*JWTManager, error) {
	if secret == "" {
		return nil, errors.New("JWT secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTManager{
		signingKey: []byte(secret),
		algorithm:  "HS256",
		keyID:      "default",
		ttl:        ttl,
		tracer:     tracer,
	}, nil
}

// GenerateToken issues a token for a session
func (jm *JWTManager) GenerateToken(ctx context.Context, sessionID, runID string) (string, error) {
	_, span := jm.tracer.Start(ctx, "jwt.generate_token")
	defer span.End()

	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("run.id", runID),
	)

	now := time.Now()
	claims := &Claims{
		SessionID: sessionID,
		RunID:     runID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(jm.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   sessionID,
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.GetSigningMethod(jm.algorithm), claims)
	token.Header["kid"] = jm.keyID

	tokenString, err := token.SignedString(jm.signingKey)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	span.SetAttributes(attribute.String("jwt.id", claims.ID))
	return tokenString, nil
}

// ValidateToken parses a session token and checks its signature, expiry and issuer
func (jm *JWTManager) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	_, span := jm.tracer.Start(ctx, "jwt.validate_token")
	defer span.End()

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jm.algorithm {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		if kid, ok := token.Header["kid"].(string); ok && kid != jm.keyID {
			span.SetAttributes(attribute.String("jwt.kid_mismatch", kid))
		}
		return jm.signingKey, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.SessionID == "" {
		return nil, fmt.Errorf("token carries no session")
	}

	span.SetAttributes(
		attribute.String("session.id", claims.SessionID),
		attribute.String("jwt.id", claims.ID),
	)
	return claims, nil
}
