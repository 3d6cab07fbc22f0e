package auth

import (
	"chat-core/domain"
	"chat-core/errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims defines the structure of the data stored inside the JWT.
type CustomClaims struct {
	UserID   string   `json:"user_id"`
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// TokenAuthenticator verifies HS256 tokens issued by the identity service.
// The chat core never issues tokens for real users; Generate exists for tooling and tests.
type TokenAuthenticator struct {
	secret []byte
	issuer string
}

func NewTokenAuthenticator(secret, issuer string) *TokenAuthenticator {
	return &TokenAuthenticator{secret: []byte(secret), issuer: issuer}
}

// Generate creates a signed JWT for a specific user.
func (a *TokenAuthenticator) Generate(userID, tenantID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &CustomClaims{
		UserID:   userID,
		TenantID: tenantID,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    a.issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateToken parses and validates the signature and expiration of a JWT string.
func (a *TokenAuthenticator) ValidateToken(tokenString string) (*CustomClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*CustomClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrSignatureInvalid
}

// Authenticate returns the identity vouched for by the token.
func (a *TokenAuthenticator) Authenticate(tokenString string) (domain.Identity, error) {
	claims, err := a.ValidateToken(tokenString)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", errors.ErrUnauthenticated, err)
	}
	if claims.UserID == "" {
		return domain.Identity{}, fmt.Errorf("%w: token carries no user", errors.ErrUnauthenticated)
	}
	return domain.Identity{UserID: claims.UserID, TenantID: claims.TenantID}, nil
}
