// Package auth provides the token source used to authenticate transaction
// submission.
package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/replisync/replisync/pkg/clock"
)

// TokenProvider yields the bearer token attached to outgoing requests.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token, useful for API keys and tests.
type Static string

func (s Static) Token(context.Context) (string, error) {
	return string(s), nil
}

// JWT wraps a signed JWT and refuses to hand it out once its expiry claim has
// passed. The signature is the server's business; the client only inspects
// the claims.
type JWT struct {
	raw    string
	expiry *jwt.NumericDate
	clock  clock.Clock
}

var _ TokenProvider = (*JWT)(nil)

// NewJWT parses the token's claims without verifying the signature.
func NewJWT(raw string, clk clock.Clock) (*JWT, error) {
	if clk == nil {
		clk = clock.System()
	}
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, &claims); err != nil {
		return nil, errors.Wrap(err, "malformed token")
	}
	return &JWT{raw: raw, expiry: claims.ExpiresAt, clock: clk}, nil
}

func (j *JWT) Token(context.Context) (string, error) {
	if j.expiry != nil && !j.clock.Now().Before(j.expiry.Time) {
		return "", errors.New("token expired")
	}
	return j.raw, nil
}
