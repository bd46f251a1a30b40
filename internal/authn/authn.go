// Package authn verifies the bearer JWT on every non-health route
// against a cached JWKS, and accepts an equal-trust X-API-Key for admin
// routes.
package authn

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mcpgov/policy-gateway/internal/apierr"
	"github.com/mcpgov/policy-gateway/internal/reqctx"
)

// Config is the token validation configuration.
type Config struct {
	JWKSURL  string
	Issuer   string
	Audience string
	APIKey   string // empty disables the X-API-Key path
}

// Verifier validates bearer tokens and renders a Principal from claims.
type Verifier struct {
	cfg  Config
	jwks *jwksCache
}

// NewVerifier builds a Verifier with a 10-minute JWKS cache TTL, the
// default.
func NewVerifier(cfg Config) *Verifier {
	return &Verifier{cfg: cfg, jwks: newJWKSCache(cfg.JWKSURL, 0)}
}

// claims is the subset of standard + custom claims this gateway reads.
type claims struct {
	jwt.RegisteredClaims
	Email  string   `json:"email"`
	Roles  []string `json:"roles"`
	Groups []string `json:"groups"`
}

// VerifyBearer validates token (without the "Bearer " prefix) and returns
// the derived Principal. Every failure maps to apierr.AuthInvalid, which
// the HTTP surface renders as an opaque 401.
func (v *Verifier) VerifyBearer(ctx context.Context, token string) (reqctx.Principal, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		return v.jwks.key(ctx, kid)
	},
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		var ae *apierr.Error
		if errors.As(err, &ae) && ae.Kind == apierr.AuthKeyUnavailable {
			return reqctx.Principal{}, ae
		}
		return reqctx.Principal{}, apierr.New(apierr.AuthInvalid, "invalid bearer token")
	}
	if !parsed.Valid {
		return reqctx.Principal{}, apierr.New(apierr.AuthInvalid, "invalid bearer token")
	}

	return reqctx.Principal{
		SubjectID: c.Subject,
		Email:     c.Email,
		Roles:     c.Roles,
		Groups:    c.Groups,
	}, nil
}

// CheckAPIKey reports whether key matches the configured admin key. A
// blank configured key always rejects, so the path can't be silently
// enabled. The comparison runs in constant time so a timing side-channel
// can't be used to recover the key a character at a time.
func (v *Verifier) CheckAPIKey(key string) bool {
	return v.cfg.APIKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(v.cfg.APIKey)) == 1
}
