// Package accesscontrol implements consumer permission checks for routed
// requests.
package accesscontrol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/meshrouter/pkg/accesscontrol"
	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
	"github.com/rmacdonaldsmith/meshrouter/pkg/multicast"
)

// ConsumerClaims are the claims of an access token. The subject is the
// consumer participant id; Permissions are recipient patterns in multicast
// pattern syntax.
type ConsumerClaims struct {
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// TokenAccessController grants a request when the token in its ac-token
// header is signed with the shared secret, names the sender as subject and
// carries a permission matching the recipient.
type TokenAccessController struct {
	secretKey []byte
	logger    zerolog.Logger

	mu       sync.Mutex
	matchers map[string]*multicast.Matcher
}

// NewTokenAccessController creates a controller validating HMAC tokens.
func NewTokenAccessController(secretKey string, logger zerolog.Logger) (*TokenAccessController, error) {
	if secretKey == "" {
		return nil, errors.New("secret key cannot be empty")
	}
	return &TokenAccessController{
		secretKey: []byte(secretKey),
		logger:    logger,
		matchers:  make(map[string]*multicast.Matcher),
	}, nil
}

// GenerateToken issues a token for consumerID valid for ttl.
func (c *TokenAccessController) GenerateToken(consumerID string, permissions []string, ttl time.Duration) (string, error) {
	if consumerID == "" {
		return "", errors.New("consumer ID cannot be empty")
	}
	for _, p := range permissions {
		if err := multicast.Validate(p); err != nil {
			return "", err
		}
	}

	now := time.Now()
	claims := ConsumerClaims{
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   consumerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to create token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a token.
func (c *TokenAccessController) ValidateToken(tokenString string) (*ConsumerClaims, error) {
	if tokenString == "" {
		return nil, errors.New("token cannot be empty")
	}
	token, err := jwt.ParseWithClaims(tokenString, &ConsumerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*ConsumerClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token is not valid")
	}
	return claims, nil
}

// HasConsumerPermission checks the ac-token header of msg.
func (c *TokenAccessController) HasConsumerPermission(ctx context.Context, msg *message.Message) bool {
	tokenString, ok := msg.Header(message.HeaderAccessToken)
	if !ok {
		c.logger.Debug().Object("msg", msg).Msg("request without access token")
		return false
	}
	claims, err := c.ValidateToken(tokenString)
	if err != nil {
		c.logger.Debug().Err(err).Object("msg", msg).Msg("rejecting access token")
		return false
	}
	if claims.Subject != msg.Sender() {
		c.logger.Debug().Str("subject", claims.Subject).Object("msg", msg).Msg("token subject is not the sender")
		return false
	}
	for _, pattern := range claims.Permissions {
		matcher, err := c.matcher(pattern)
		if err != nil {
			continue
		}
		if matcher.Matches(msg.Recipient()) {
			return true
		}
	}
	return false
}

func (c *TokenAccessController) matcher(pattern string) (*multicast.Matcher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.matchers[pattern]; ok {
		return m, nil
	}
	m, err := multicast.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.matchers[pattern] = m
	return m, nil
}

// AllowAll grants every request. Use it only in development setups.
type AllowAll struct{}

// HasConsumerPermission always returns true.
func (AllowAll) HasConsumerPermission(context.Context, *message.Message) bool {
	return true
}

// Verify controllers implement the interface at compile time
var (
	_ accesscontrol.AccessController = (*TokenAccessController)(nil)
	_ accesscontrol.AccessController = AllowAll{}
)
