// ABOUTME: JWT token verification for authenticating new connections.
// ABOUTME: Uses HS256 signing with configurable secret; claims carry kind and capabilities.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relayops/switchboard/internal/identity"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims is the validated content of a credential: who the peer is, what
// kind of peer it is, and what it may do.
type Claims struct {
	IdentityID   string
	Kind         identity.Kind
	Capabilities []string
}

// TokenVerifier defines the interface for token verification.
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret must not be empty")
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token signature and expiry locally and extracts the
// identity claims: "sub" (identity id), "kind", and optional "caps".
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := mapClaims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	kindStr, ok := mapClaims["kind"].(string)
	if !ok || kindStr == "" {
		return nil, fmt.Errorf("%w: kind", ErrMissingClaim)
	}
	kind := identity.Kind(kindStr)
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidToken, kindStr)
	}

	claims := &Claims{
		IdentityID: sub,
		Kind:       kind,
	}

	if rawCaps, ok := mapClaims["caps"].([]interface{}); ok {
		for _, rc := range rawCaps {
			if s, ok := rc.(string); ok {
				claims.Capabilities = append(claims.Capabilities, s)
			}
		}
	}

	return claims, nil
}

// Generate creates a new JWT token for the given identity with expiration.
// Used by the CLI and tests; production tokens come from the external auth
// service sharing the same secret.
func (v *JWTVerifier) Generate(identityID string, kind identity.Kind, caps []string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  identityID,
		"kind": string(kind),
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}
	if len(caps) > 0 {
		claims["caps"] = caps
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
