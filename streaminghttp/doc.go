// Package streaminghttp implements the MCP streamable HTTP transport. It
// mounts as a standard net/http handler and provides ordered bidirectional
// JSON-RPC over long-lived streaming responses (Server-Sent Events style)
// plus normal request/response for RPC calls initiated by the client.
//
// Responsibilities
//   - Session creation & validation (via sessions.SessionHost)
//   - Signed wire session identifiers (Mcp-Session-Id carries an Ed25519 JWS
//     binding the session to its user; see internal/sessioncore)
//   - Authentication (pluggable auth.Authenticator; OIDC or manual config)
//   - Capability discovery (invokes mcpservice.ServerCapabilities getters)
//   - Ordered outbound event fan-out (progress, listChanged, resource updates)
//
// Construction
//
//	h, err := streaminghttp.New(
//	    ctx,
//	    "https://api.example/mcp", // public endpoint base
//	    host,                       // sessions.SessionHost implementation
//	    server,                     // mcpservice.ServerCapabilities
//	    authenticator,              // auth.Authenticator
//	    // Security metadata inferred from authenticator (implements auth.SecurityDescriptor)
//	)
//
// Either the authenticator or an explicit WithSecurityConfig option must be
// supplied; with neither, New returns an error.
//
// # Response Negotiation
//
// A POSTed request is answered as a single JSON document or as an SSE stream
// according to the Accept header. The streaming form lets
// notifications/progress ride ahead of the response; with a JSON reply,
// progress is published to the session stream instead and delivered on the
// standalone GET stream.
//
// # Scaling
//
// Horizontal scale relies on a shared SessionHost. Each node handles any mix
// of requests; ordering for a given session is preserved by the host's stream
// semantics, not sticky routing. Replicas must share a session signing keyring
// (WithSessionKeyring) so wire identifiers verify everywhere.
//
// Protected Resource Metadata (PRM)
//
// When OIDC discovery or manual metadata is configured, the handler exposes a
// .well-known/oauth-protected-resource endpoint advertising issuer, jwks_uri
// and supported authorization parameters, enabling clients to bootstrap
// without out-of-band configuration.
//
// # Error Handling
//
// Transport-level errors map to HTTP status codes; MCP-level errors are
// serialized as JSON-RPC error responses. Authentication failures surface a
// WWW-Authenticate challenge per the authorization spec.
//
// Example (mount in net/http):
//
//	mux := http.NewServeMux()
//	mux.Handle("/mcp/", h) // route prefix
//	http.ListenAndServe(":8080", mux)
package streaminghttp
