// Package jwttoken verifies the bearer tokens issued by the identity provider
// and turns them into identity claims. Issue exists for local tooling and
// tests; production tokens come from the provider.
package jwttoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"clinicore/internal/identity"
	dErrors "clinicore/pkg/domain-errors"
)

// IdentityClaims is the token payload. The subject carries the user id.
type IdentityClaims struct {
	Role          string `json:"role"`
	Email         string `json:"email,omitempty"`
	LicenseNumber string `json:"license_number,omitempty"`
	jwt.RegisteredClaims
}

// Service signs and validates HS256 tokens.
type Service struct {
	signingKey []byte
	issuer     string
	audience   string
	leeway     time.Duration
}

type Option func(*Service)

// WithIssuer requires tokens to carry iss.
func WithIssuer(issuer string) Option {
	return func(s *Service) { s.issuer = issuer }
}

// WithAudience requires tokens to list aud.
func WithAudience(audience string) Option {
	return func(s *Service) { s.audience = audience }
}

func WithLeeway(d time.Duration) Option {
	return func(s *Service) { s.leeway = d }
}

func NewService(signingKey string, opts ...Option) *Service {
	s := &Service{signingKey: []byte(signingKey), leeway: 30 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue signs claims valid for ttl from now.
func (s *Service) Issue(c identity.Claims, now time.Time, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, IdentityClaims{
		Role:          c.Role,
		Email:         c.Email,
		LicenseNumber: c.LicenseNumber,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.SubjectID,
			Issuer:    s.issuer,
			Audience:  audience(s.audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(s.signingKey)
}

// Verify checks signature, algorithm, expiry, issuer and audience and
// returns the identity claims. The claims are not yet validated as an Actor.
func (s *Service) Verify(tokenString string) (identity.Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.leeway),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &IdentityClaims{}, func(*jwt.Token) (any, error) {
		return s.signingKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return identity.Claims{}, dErrors.New(dErrors.CodeUnauthorized, "token expired")
		}
		return identity.Claims{}, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	claims, ok := parsed.Claims.(*IdentityClaims)
	if !ok || !parsed.Valid {
		return identity.Claims{}, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return identity.Claims{
		SubjectID:     claims.Subject,
		Role:          claims.Role,
		Email:         claims.Email,
		LicenseNumber: claims.LicenseNumber,
	}, nil
}

func audience(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}
