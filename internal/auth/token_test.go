// ABOUTME: Tests for JWT minting and verification of inter-agent tokens.
// ABOUTME: Covers round-trips, wrong secrets, expiry, and missing claims.

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndVerify(t *testing.T) {
	a := New([]byte("test-secret"), time.Hour)

	token, err := a.Mint("negotiation-1", "negotiation")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	id, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "negotiation-1", id.AgentID)
	assert.Equal(t, "negotiation", id.Role)
}

func TestVerify_WrongSecret(t *testing.T) {
	minter := New([]byte("secret-a"), time.Hour)
	verifier := New([]byte("secret-b"), time.Hour)

	token, err := minter.Mint("coordinator-1", "coordinator")
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Expired(t *testing.T) {
	a := New([]byte("test-secret"), time.Hour)

	// Build a token that expired in the past
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  "context-1",
		"role": "context",
		"iat":  now.Add(-2 * time.Hour).Unix(),
		"exp":  now.Add(-time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = a.Verify(signed)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerify_MissingSubject(t *testing.T) {
	a := New([]byte("test-secret"), time.Hour)

	claims := jwt.MapClaims{
		"role": "coordinator",
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = a.Verify(signed)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestVerify_Garbage(t *testing.T) {
	a := New([]byte("test-secret"), time.Hour)

	_, err := a.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNew_DefaultTTL(t *testing.T) {
	a := New([]byte("s"), 0)

	token, err := a.Mint("agent", "coordinator")
	require.NoError(t, err)

	_, err = a.Verify(token)
	assert.NoError(t, err)
}
