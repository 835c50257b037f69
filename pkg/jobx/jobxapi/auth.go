package jobxapi

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ScopeRead  = "jobs:read"
	ScopeWrite = "jobs:write"

	claimsKey = "claims"
)

// Claims are the claims of an API token.
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// TokenService signs and validates HS256 API tokens.
type TokenService struct {
	secretKey []byte
	ttl       time.Duration
	issuer    string
}

func NewTokenService(secretKey string, ttl time.Duration) *TokenService {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{
		secretKey: []byte(secretKey),
		ttl:       ttl,
		issuer:    "taskqueue",
	}
}

// Issue signs a token for subject with the given scopes.
func (s *TokenService) Issue(subject string, scopes ...string) (string, error) {
	now := time.Now()
	if scopes == nil {
		scopes = []string{}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})

	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", apiErrors.NewWithCause(ErrTokenGeneration, err)
	}
	return signed, nil
}

func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil {
		return nil, apiErrors.NewWithCause(ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apiErrors.New(ErrUnauthorized).WithDetail("reason", "invalid claims")
	}
	return claims, nil
}

// Authenticate requires a valid bearer token and stores its claims on
// the request.
func (s *TokenService) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		scheme, token, ok := strings.Cut(c.Get(fiber.HeaderAuthorization), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return apiErrors.New(ErrUnauthorized)
		}

		claims, err := s.Validate(token)
		if err != nil {
			return err
		}
		c.Locals(claimsKey, claims)
		return c.Next()
	}
}

// RequireScope rejects requests whose token lacks scope. Without a token
// service the API is open and this is a no-op.
func (s *TokenService) RequireScope(scope string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if s == nil {
			return c.Next()
		}
		claims, ok := c.Locals(claimsKey).(*Claims)
		if !ok || claims == nil {
			return apiErrors.New(ErrUnauthorized)
		}
		if !claims.HasScope(scope) {
			return apiErrors.New(ErrForbidden).WithDetail("scope", scope)
		}
		return c.Next()
	}
}
