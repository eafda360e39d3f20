// Package jwt issues and verifies HS256 session tokens.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/acquisitions/internal/domain"
	"github.com/bissquit/acquisitions/internal/identity"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is used when Config.TokenTTL is not positive.
const DefaultTokenTTL = 24 * time.Hour

// Config contains token settings.
type Config struct {
	SecretKey string
	TokenTTL  time.Duration
	Issuer    string
}

// claims is the wire form of a session token.
type claims struct {
	jwt.RegisteredClaims
	UserID string      `json:"id"`
	Name   string      `json:"name"`
	Email  string      `json:"email"`
	Role   domain.Role `json:"role"`
}

// Authenticator implements identity.TokenIssuer with signed JWTs.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewAuthenticator creates a token authenticator.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("jwt: secret key is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Authenticator{
		secret: []byte(cfg.SecretKey),
		ttl:    ttl,
		issuer: cfg.Issuer,
		now:    time.Now,
	}, nil
}

// TTL returns the lifetime of issued tokens.
func (a *Authenticator) TTL() time.Duration {
	return a.ttl
}

// Issue signs a token carrying the user's id, name, email and role.
func (a *Authenticator) Issue(_ context.Context, user *domain.User) (string, error) {
	if user == nil || user.ID == "" {
		return "", errors.New("jwt: user id is required")
	}

	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		UserID: user.ID,
		Name:   user.Name,
		Email:  user.Email,
		Role:   user.Role,
	})

	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry. Any failure is reported as
// identity.ErrInvalidToken wrapping the underlying cause.
func (a *Authenticator) Verify(_ context.Context, tokenString string) (*identity.Claims, error) {
	parsed := &claims{}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, parsed, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", identity.ErrInvalidToken, err)
	}
	if !token.Valid || parsed.UserID == "" {
		return nil, identity.ErrInvalidToken
	}

	return &identity.Claims{
		UserID:    parsed.UserID,
		Name:      parsed.Name,
		Email:     parsed.Email,
		Role:      parsed.Role,
		ExpiresAt: parsed.ExpiresAt.Time,
	}, nil
}
