// Package jwtauth validates RFC 9068 JWT access tokens. The discovery
// variant learns the issuer's JWKS and endpoints from OIDC discovery; the
// static variant (static.go) takes a JWKS URI directly. Both feed the public
// auth package, which maps the sentinel errors here onto RFC 6750 responses.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config is the validation policy for discovery-based authenticators:
// issuer, audiences, scope requirements, algorithm allow-list and clock
// leeway.
type Config struct {
	Issuer string
	// ExpectedAudiences holds the primary audience first, then any extra
	// accepted audiences. Extras exist for local and staging runs where the
	// served endpoint URL differs from the registered one; keep the set
	// small in production.
	ExpectedAudiences []string
	RequiredScopes    []string
	// ScopeModeAny accepts a token carrying any one of RequiredScopes;
	// otherwise all are required.
	ScopeModeAny bool
	AllowedAlgs  []string
	Leeway       time.Duration
	// HintScopes may be echoed by transports in WWW-Authenticate scope
	// parameters. Advisory only; validation ignores them.
	HintScopes []string
	// AdvertisedScopes rewrites the discovery-reported scopes before they
	// appear in authorization server metadata. Nil passes them through.
	// Advertisement only; validation ignores it.
	AdvertisedScopes func(discovered []string) []string
}

// DefaultConfig returns a Config with the RS256 + 60s-leeway defaults.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// UserInfo carries the validated token's subject and claims.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }

// Claims decodes the full claim set into ref via a JSON round-trip.
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator validates an access token. Implementations must check
// signature, issuer, audience and time claims before returning UserInfo.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// ErrUnauthorized: the token failed validation (signature, issuer, audience,
// exp/nbf). The request is unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope: the token validated but lacks the required scopes.
// Transports answer 403 for this.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// allowedAlgKeyfunc wraps a JWKS keyfunc with an algorithm allow-list check
// so a key is never even looked up for a disallowed alg.
func allowedAlgKeyfunc(kf keyfunc.Keyfunc, allowed []string) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		for _, a := range allowed {
			if alg == a {
				return kf.Keyfunc(t)
			}
		}
		return nil, fmt.Errorf("disallowed alg: %s", alg)
	}
}

// issuerMetadata is the discovery document subset this package consumes:
// jwks_uri and issuer for validation, the rest for advertisement.
type issuerMetadata struct {
	Issuer        string   `json:"issuer"`
	JwksURI       string   `json:"jwks_uri"`
	Authorization string   `json:"authorization_endpoint"`
	Token         string   `json:"token_endpoint"`
	Registration  string   `json:"registration_endpoint"`
	ResponseTypes []string `json:"response_types_supported"`
	Scopes        []string `json:"scopes_supported"`
	GrantTypes    []string `json:"grant_types_supported"`
	ResponseModes []string `json:"response_modes_supported"`
	CodeChallenge []string `json:"code_challenge_methods_supported"`
	TokenAuth     []string `json:"token_endpoint_auth_methods_supported"`
	TokenAuthAlgs []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	ServiceDoc    string   `json:"service_documentation"`
	PolicyURI     string   `json:"op_policy_uri"`
	TosURI        string   `json:"op_tos_uri"`
}

func (m issuerMetadata) missingFields() []string {
	var missing []string
	if m.JwksURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if m.Authorization == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if m.Token == "" {
		missing = append(missing, "token_endpoint")
	}
	if len(m.ResponseTypes) == 0 {
		missing = append(missing, "response_types_supported")
	}
	return missing
}

type discoveryAuthenticator struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
	meta    issuerMetadata
}

// NewFromDiscovery resolves the issuer's discovery document, starts an
// auto-refreshing JWKS cache, and returns an authenticator enforcing cfg.
// Discovery documents missing validation-critical fields are rejected
// outright rather than patched over.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*discoveryAuthenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta issuerMetadata
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if missing := meta.missingFields(); len(missing) > 0 {
		return nil, fmt.Errorf("discovery incomplete: missing %s", strings.Join(missing, ", "))
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &discoveryAuthenticator{
		cfg:     cfg,
		keyfunc: allowedAlgKeyfunc(kf, cfg.AllowedAlgs),
		meta:    meta,
	}, nil
}

// Advertisement accessors consumed by the public auth package when it
// assembles authorization server metadata.

func (a *discoveryAuthenticator) AuthorizationEndpoint() string { return a.meta.Authorization }
func (a *discoveryAuthenticator) TokenEndpoint() string         { return a.meta.Token }
func (a *discoveryAuthenticator) RegistrationEndpoint() string  { return a.meta.Registration }
func (a *discoveryAuthenticator) ServiceDocumentation() string  { return a.meta.ServiceDoc }
func (a *discoveryAuthenticator) PolicyURI() string             { return a.meta.PolicyURI }
func (a *discoveryAuthenticator) TosURI() string                { return a.meta.TosURI }

func (a *discoveryAuthenticator) ResponseTypes() []string {
	return append([]string(nil), a.meta.ResponseTypes...)
}
func (a *discoveryAuthenticator) Scopes() []string {
	return append([]string(nil), a.meta.Scopes...)
}
func (a *discoveryAuthenticator) GrantTypes() []string {
	return append([]string(nil), a.meta.GrantTypes...)
}
func (a *discoveryAuthenticator) ResponseModes() []string {
	return append([]string(nil), a.meta.ResponseModes...)
}
func (a *discoveryAuthenticator) CodeChallengeMethods() []string {
	return append([]string(nil), a.meta.CodeChallenge...)
}
func (a *discoveryAuthenticator) TokenEndpointAuthMethods() []string {
	return append([]string(nil), a.meta.TokenAuth...)
}
func (a *discoveryAuthenticator) TokenEndpointAuthAlgs() []string {
	return append([]string(nil), a.meta.TokenAuthAlgs...)
}

func (a *discoveryAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, errors.New("empty token")
	}

	// With a single expected audience the parser enforces it; with several,
	// intersection is checked after parsing.
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.meta.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	}
	if len(a.cfg.ExpectedAudiences) == 1 {
		opts = append(opts, jwt.WithAudience(a.cfg.ExpectedAudiences[0]))
	}

	parsed, err := jwt.NewParser(opts...).Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	// RFC 9068 §2.1: the typ header distinguishes access tokens from other
	// JWT flavors.
	if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
		return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}

	if iss, _ := claims["iss"].(string); iss == "" || iss != a.meta.Issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrUnauthorized)
	}
	if len(a.cfg.ExpectedAudiences) == 1 {
		if !audContains(claims["aud"], a.cfg.ExpectedAudiences[0]) {
			return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
		}
	} else if !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	// iat is optional; when present it must not sit in the future beyond
	// leeway plus a small margin.
	if iatf, ok := claims["iat"].(float64); ok {
		iat := time.Unix(int64(iatf), 0)
		if iat.After(time.Now().Add(a.cfg.Leeway).Add(5 * time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}

	if len(a.cfg.RequiredScopes) > 0 {
		scopeStr, _ := claims["scope"].(string)
		if !scopesSatisfied(scopeStr, a.cfg.RequiredScopes, a.cfg.ScopeModeAny) {
			return nil, ErrInsufficientScope
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	return &userInfo{sub: sub, claims: claims}, nil
}

// scopesSatisfied checks the space-delimited scope claim against the
// required set, in any-of or all-of mode.
func scopesSatisfied(scopeClaim string, required []string, anyOf bool) bool {
	have := map[string]bool{}
	for _, s := range strings.Fields(scopeClaim) {
		have[s] = true
	}
	if anyOf {
		for _, want := range required {
			if have[want] {
				return true
			}
		}
		return false
	}
	for _, want := range required {
		if !have[want] {
			return false
		}
	}
	return true
}

func audContains(aud any, want string) bool {
	switch v := aud.(type) {
	case string:
		return v == want
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && s == want {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == want {
				return true
			}
		}
	}
	return false
}
