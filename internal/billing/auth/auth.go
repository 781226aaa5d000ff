// Package auth resolves bearer credentials to internal user identities.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a bearer token does not resolve to a user.
var ErrInvalidToken = errors.New("invalid bearer token")

// Identity is the caller identity carried by a verified token.
type Identity struct {
	UserID string
	Email  string
}

// TokenVerifier resolves a bearer token string to a caller identity.
type TokenVerifier interface {
	Resolve(token string) (*Identity, error)
}

// JWTVerifier verifies HMAC-signed access tokens issued by the auth provider.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for the given shared signing secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(strings.TrimSpace(secret))}
}

type accessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Resolve parses and verifies the token, returning the subject identity.
func (v *JWTVerifier) Resolve(token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return &Identity{
		UserID: userID,
		Email:  strings.TrimSpace(claims.Email),
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
