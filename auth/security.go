package auth

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ibrohimislam/mcp-odoo/internal/jwtauth"
)

// SecurityConfig describes, in one value, how this resource validates bearer
// tokens and what it advertises about its authorization server. Transports
// and authenticator constructors both consume it, so there is a single place
// where issuer, audiences and algorithm policy live.
//
// The zero value is not usable. Populate the required fields and call
// Validate, or obtain one from a discovery-backed constructor.
type SecurityConfig struct {
	Issuer      string
	Audiences   []string
	AllowedAlgs []string // empty means RS256 only
	JWKSURL     string   // set explicitly, or filled in by discovery

	Leeway     time.Duration // clock skew tolerance, default 60s
	EnforceExp bool
	EnforceNbf bool
	// Advertise permits transports to publish well-known metadata documents
	// derived from this config. Normalize turns it on.
	Advertise bool

	// OIDC carries advertisement-only authorization server metadata. Nothing
	// in it participates in token validation.
	OIDC *OIDCExtra
}

// OIDCExtra mirrors the authorization server metadata fields this resource
// republishes for client bootstrapping. All fields are optional.
type OIDCExtra struct {
	// Endpoint URLs come from the issuer's discovery document when a
	// discovery-backed authenticator built this config. They are served to
	// clients verbatim and never dereferenced by this process.
	AuthorizationEndpoint                      string
	TokenEndpoint                              string
	RegistrationEndpoint                       string
	ScopesSupported                            []string
	ResponseTypesSupported                     []string
	GrantTypesSupported                        []string
	ResponseModesSupported                     []string
	CodeChallengeMethodsSupported              []string
	TokenEndpointAuthMethodsSupported          []string
	TokenEndpointAuthSigningAlgValuesSupported []string
	ServiceDocumentation                       string
	OpPolicyURI                                string
	OpTosURI                                   string
}

// Normalize applies defaults in place and switches advertisement on. Callers
// that need the original value untouched should Copy first.
func (c *SecurityConfig) Normalize() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
	c.Advertise = true
}

// Validate reports whether the config can back an authenticator.
func (c SecurityConfig) Validate() error {
	if c.Issuer == "" {
		return errors.New("security: issuer required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("security: at least one audience required")
	}
	for _, a := range c.Audiences {
		if a == "" {
			return errors.New("security: empty audience entry")
		}
	}
	return nil
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

// Copy returns a deep copy the caller may mutate freely.
func (c SecurityConfig) Copy() SecurityConfig {
	dup := c
	dup.Audiences = cloneStrings(c.Audiences)
	dup.AllowedAlgs = cloneStrings(c.AllowedAlgs)
	if c.OIDC != nil {
		oidc := *c.OIDC
		oidc.ScopesSupported = cloneStrings(oidc.ScopesSupported)
		oidc.ResponseTypesSupported = cloneStrings(oidc.ResponseTypesSupported)
		oidc.GrantTypesSupported = cloneStrings(oidc.GrantTypesSupported)
		oidc.ResponseModesSupported = cloneStrings(oidc.ResponseModesSupported)
		oidc.CodeChallengeMethodsSupported = cloneStrings(oidc.CodeChallengeMethodsSupported)
		oidc.TokenEndpointAuthMethodsSupported = cloneStrings(oidc.TokenEndpointAuthMethodsSupported)
		oidc.TokenEndpointAuthSigningAlgValuesSupported = cloneStrings(oidc.TokenEndpointAuthSigningAlgValuesSupported)
		dup.OIDC = &oidc
	}
	return dup
}

// NewManualJWTAuthenticator builds a validator from this config without any
// OIDC discovery round-trip. Issuer, at least one audience, and JWKSURL must
// be set; AllowedAlgs and Leeway default via Normalize.
func (c SecurityConfig) NewManualJWTAuthenticator(ctx context.Context) (SecurityProvider, error) {
	cc := c.Copy()
	cc.Normalize()
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	if cc.JWKSURL == "" {
		return nil, errors.New("security: JWKSURL required for manual JWT authenticator")
	}

	sc := &jwtauth.StaticConfig{
		Issuer:            cc.Issuer,
		ExpectedAudiences: cloneStrings(cc.Audiences),
		AllowedAlgs:       cloneStrings(cc.AllowedAlgs),
		Leeway:            cc.Leeway,
	}
	a, err := jwtauth.NewStatic(ctx, sc, cc.JWKSURL)
	if err != nil {
		return nil, err
	}
	return &adapter{a: a, sec: cc}, nil
}

// EqualCore reports whether two configs enforce the same identity: same
// issuer and the same audience set, order ignored.
func (c SecurityConfig) EqualCore(o SecurityConfig) bool {
	if c.Issuer != o.Issuer || len(c.Audiences) != len(o.Audiences) {
		return false
	}
	ac := cloneStrings(c.Audiences)
	bc := cloneStrings(o.Audiences)
	sort.Strings(ac)
	sort.Strings(bc)
	for i := range ac {
		if ac[i] != bc[i] {
			return false
		}
	}
	return true
}

// SecurityDescriptor lets transports read the config they should advertise.
type SecurityDescriptor interface{ SecurityConfig() SecurityConfig }

// SecurityProvider is what constructors return: a token validator that also
// describes its own security posture.
type SecurityProvider interface {
	Authenticator
	SecurityDescriptor
}
