package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// StaticConfig is the validation policy for deployments where the JWKS URI
// is known up front and no OIDC discovery round-trip is wanted.
type StaticConfig struct {
	Issuer            string
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
}

// DefaultStaticConfig returns a StaticConfig with the RS256 + 60s-leeway
// defaults.
func DefaultStaticConfig() *StaticConfig {
	return &StaticConfig{AllowedAlgs: []string{"RS256"}, Leeway: 60 * time.Second}
}

func (cfg *StaticConfig) validate(jwksURI string) error {
	switch {
	case cfg == nil:
		return errors.New("config is required")
	case cfg.Issuer == "":
		return errors.New("issuer is required")
	case len(cfg.ExpectedAudiences) == 0:
		return errors.New("at least one expected audience required")
	case jwksURI == "":
		return errors.New("jwks uri required")
	}
	return nil
}

type staticAuthenticator struct {
	cfg     *StaticConfig
	keyfunc jwt.Keyfunc
}

var _ Authenticator = (*staticAuthenticator)(nil)

// NewStatic builds an authenticator that validates RFC 9068 access tokens
// against a fixed issuer, audience set and JWKS URI. The only network
// traffic is the JWKS fetch and its background refreshes.
func NewStatic(ctx context.Context, cfg *StaticConfig, jwksURI string) (*staticAuthenticator, error) {
	if err := cfg.validate(jwksURI); err != nil {
		return nil, err
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &staticAuthenticator{cfg: cfg, keyfunc: allowedAlgKeyfunc(kf, cfg.AllowedAlgs)}, nil
}

// CheckAuthentication validates the bearer token and resolves its subject.
func (a *staticAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, errors.New("empty token")
	}

	parsed, err := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	).Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	// aud may be a string or an array; any overlap with the configured set
	// passes.
	if !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	return &userInfo{sub: sub, claims: claims}, nil
}

// audIntersects reports whether the aud claim shares at least one entry with
// wants.
func audIntersects(aud any, wants []string) bool {
	for _, want := range wants {
		if audContains(aud, want) {
			return true
		}
	}
	return false
}
