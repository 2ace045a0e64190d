// ABOUTME: JWT token minting and verification for inter-agent requests.
// ABOUTME: Uses HS256 signing with a shared secret from configuration.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Identity describes the authenticated caller of an inter-agent request.
type Identity struct {
	AgentID string
	Role    string
}

// Verifier validates bearer tokens and extracts the caller identity.
type Verifier interface {
	Verify(tokenString string) (Identity, error)
}

// Minter issues bearer tokens for outbound inter-agent requests.
type Minter interface {
	Mint(agentID, role string) (string, error)
}

// Authenticator implements both Minter and Verifier over a shared secret.
type Authenticator struct {
	secret   []byte
	tokenTTL time.Duration
}

// New creates an Authenticator with the given shared secret and token TTL.
func New(secret []byte, tokenTTL time.Duration) *Authenticator {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &Authenticator{secret: secret, tokenTTL: tokenTTL}
}

// Mint creates a signed token identifying the given agent.
func (a *Authenticator) Mint(agentID, role string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  agentID,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(a.tokenTTL).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify validates the token and extracts the caller identity from the
// "sub" and "role" claims.
func (a *Authenticator) Verify(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Identity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	role, _ := claims["role"].(string)

	return Identity{AgentID: sub, Role: role}, nil
}
