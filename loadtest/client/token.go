package client

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL is the lifetime of tokens minted for load test identities.
const TokenTTL = 2 * time.Hour

// Token signs an HS256 token for identityID with the server's JWT_SECRET.
func Token(secret, identityID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   identityID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Dial mints a token for identityID, connects and waits for session:ready.
func Dial(ctx context.Context, serverURL, secret, identityID string) (*Client, error) {
	token, err := Token(secret, identityID, TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	c, err := New(ctx, serverURL, identityID, token)
	if err != nil {
		return nil, err
	}
	if err := c.WaitReady(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
