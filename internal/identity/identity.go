// Package identity resolves opaque credential tokens into user references.
// Credential issuance lives elsewhere; this side only validates.
package identity

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/drillhub/internal/domain"
	"github.com/drillhub/internal/errors"
)

// Gate validates a credential token and resolves the caller.
type Gate interface {
	Authenticate(ctx context.Context, token string) (domain.UserRef, error)
}

type Claims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"name,omitempty"`
	Role        string `json:"role,omitempty"`
	SchoolID    string `json:"school_id,omitempty"`
	Region      string `json:"region,omitempty"`
}

// JWTGate validates HMAC-signed tokens carrying user claims.
type JWTGate struct {
	secret []byte
}

func NewJWTGate(secret string) *JWTGate {
	return &JWTGate{secret: []byte(secret)}
}

func (g *JWTGate) Authenticate(_ context.Context, token string) (domain.UserRef, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return g.secret, nil
	})
	if err != nil {
		return domain.UserRef{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("invalid credential"),
			errors.WithCause(err),
		)
	}

	if claims.Subject == "" {
		return domain.UserRef{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("credential has no subject"),
		)
	}

	return domain.UserRef{
		ID:          claims.Subject,
		DisplayName: claims.DisplayName,
		Role:        claims.Role,
		SchoolID:    claims.SchoolID,
		Region:      claims.Region,
	}, nil
}

// Sign issues a token for ref. Only test and tooling code should need this;
// production tokens come from the external credential service.
func (g *JWTGate) Sign(ref domain.UserRef) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: ref.ID},
		DisplayName:      ref.DisplayName,
		Role:             ref.Role,
		SchoolID:         ref.SchoolID,
		Region:           ref.Region,
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
}
