package admin

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenTTL is the lifetime of tokens minted without an explicit TTL.
	DefaultTokenTTL = time.Hour

	tokenIssuer = "meshrouter-admin"
)

// ErrEmptyToken is returned when no bearer token was presented.
var ErrEmptyToken = errors.New("token cannot be empty")

// JWTClaims are the claims of an admin API token
type JWTClaims struct {
	Operator string `json:"operator"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuth mints and verifies HS256 admin tokens with a shared secret
type JWTAuth struct {
	secretKey []byte
	parser    *jwt.Parser
}

// NewJWTAuth creates a new JWT authentication handler
func NewJWTAuth(secretKey string) *JWTAuth {
	return &JWTAuth{
		secretKey: []byte(secretKey),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(tokenIssuer),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}
}

// GenerateToken signs a token for operator valid for ttl, or DefaultTokenTTL when ttl is not positive
func (j *JWTAuth) GenerateToken(operator string, isAdmin bool, ttl time.Duration) (string, time.Time, error) {
	if operator == "" {
		return "", time.Time{}, errors.New("operator cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	issuedAt := time.Now()
	expiresAt := issuedAt.Add(ttl)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		Operator: operator,
		IsAdmin:  isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}).SignedString(j.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken verifies signature, issuer and expiry; a "Bearer " prefix is accepted
func (j *JWTAuth) ValidateToken(raw string) (*JWTClaims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrEmptyToken
	}

	claims := &JWTClaims{}
	if _, err := j.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return j.secretKey, nil
	}); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Operator == "" {
		return nil, errors.New("invalid token: operator claim missing")
	}
	return claims, nil
}
