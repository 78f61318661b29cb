// Package auth supplies bearer token authentication for the HTTP transport.
// Servers that front an ERP backend typically delegate authorization to an
// external OAuth 2.0 / OIDC authorization server; this package verifies the
// RFC 9068 JWT access tokens such a server mints.
//
// The surface is deliberately narrow. An Authenticator turns a raw bearer
// token string into a UserInfo or an error; the transport owns header
// parsing and translates the sentinel errors into RFC 6750 challenges.
//
// # Discovery-based validation
//
// NewFromDiscovery resolves the issuer's OIDC discovery document, watches
// its JWKS, and returns a SecurityProvider enforcing the given audience:
//
//	provider, err := auth.NewFromDiscovery(ctx,
//	    "https://issuer.example", "https://erp.example/mcp",
//	    auth.WithRequiredScopes("erp:read", "erp:write"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ui, err := provider.CheckAuthentication(r.Context(), token)
//	switch {
//	case errors.Is(err, auth.ErrInsufficientScope):
//	    // authenticated, but the token lacks a required scope -> 403
//	case err != nil:
//	    // invalid token -> 401 challenge
//	default:
//	    _ = ui.UserID()
//	}
//
// Static (discovery-free) validation is available through
// SecurityConfig.NewManualJWTAuthenticator when the JWKS URL is known up
// front.
//
// # Scope policy
//
// WithRequiredScopes demands every listed scope appear in the token's
// space-delimited scope claim; WithAnyRequiredScope switches to at-least-one
// semantics. The last scope option applied wins.
//
// # Algorithms and clock skew
//
// Only RS256 is accepted unless WithAllowedAlgs widens the set. WithLeeway
// loosens exp/iat/nbf checks for skewed clocks.
//
// # Errors
//
// ErrUnauthorized covers every validation failure: bad signature, expiry,
// wrong issuer or audience. ErrInsufficientScope means the token verified
// but is missing required scopes. Check both with errors.Is.
package auth
