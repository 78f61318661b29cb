package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/ibrohimislam/mcp-odoo/auth"
	"github.com/ibrohimislam/mcp-odoo/internal/engine"
	"github.com/ibrohimislam/mcp-odoo/internal/jsonrpc"
	"github.com/ibrohimislam/mcp-odoo/internal/logctx"
	"github.com/ibrohimislam/mcp-odoo/internal/sessioncore"
	"github.com/ibrohimislam/mcp-odoo/internal/wellknown"
	"github.com/ibrohimislam/mcp-odoo/mcp"
	"github.com/ibrohimislam/mcp-odoo/mcpservice"
	"github.com/ibrohimislam/mcp-odoo/sessions"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	ErrSessionHeaderMissing = errors.New("missing mcp-session-id header")
	ErrSessionHeaderInvalid = errors.New("invalid mcp-session-id header")
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	// Order matters: when a client accepts both with equal weight the server
	// prefers the streaming form so progress notifications stay in-band.
	responseMediaTypes    = []contenttype.MediaType{eventStreamMediaType, jsonMediaType}
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"
)

// writeJSONError rejects a request at the HTTP layer, before any JSON-RPC
// exchange exists. The body is {"error":{"code":<status>,"message":...}} and
// deliberately not a JSON-RPC frame.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	// Leave the content type alone if the response already committed to SSE.
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	serverName     string
	logger         *slog.Logger
	securityConfig *auth.SecurityConfig
	realm          string
	keyring        *sessioncore.Keyring
}

// WithServerName sets a human-readable server name surfaced in PRM.
func WithServerName(name string) Option {
	return func(c *newConfig) { c.serverName = name }
}

// WithLogger sets the slog handler used by the server. If not provided, logs are discarded.
func WithLogger(h *slog.Logger) Option {
	return func(c *newConfig) { c.logger = h }
}

// WithSecurityConfig provides a unified security configuration for both
// advertisement and (if the authenticator supports it) consistency checks.
func WithSecurityConfig(sc auth.SecurityConfig) Option {
	return func(c *newConfig) { cfgCopy := sc.Copy(); c.securityConfig = &cfgCopy }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted entirely per
// RFC 6750 (it is optional) keeping challenges concise. Provide a short stable
// token (e.g. "mcp") if you want clients to bucket credentials across multiple
// handlers.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithSessionKeyring supplies the keyring used to sign wire session
// identifiers. Deployments running more than one replica must share a keyring
// (e.g. seeded from SESSION_SIGNING_KEY); otherwise New generates an
// ephemeral per-process key and sessions do not survive a restart.
func WithSessionKeyring(kr *sessioncore.Keyring) Option {
	return func(c *newConfig) { c.keyring = kr }
}

var challengeEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// buildBearerChallenge assembles a WWW-Authenticate value like
//
//	Bearer realm="...", resource_metadata="...", error="..."
//
// Empty realm and resource_metadata are omitted. Go map iteration is
// randomized, so the recognized params are emitted in a fixed order before
// any extras.
func buildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 2+len(params))
	put := func(key, val string) {
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, key, challengeEscaper.Replace(val)))
	}
	if realm != "" {
		put("realm", realm)
	}
	if resourceMetadata != "" {
		put("resource_metadata", resourceMetadata)
	}
	ordered := []string{"error", "error_description", "scope"}
	for _, key := range ordered {
		if v, ok := params[key]; ok {
			put(key, v)
		}
	}
	for k, v := range params {
		if k == "error" || k == "error_description" || k == "scope" {
			continue
		}
		put(k, v)
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// pathIfSet returns the string form of u if non-nil, else empty.
func pathIfSet(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}

// StreamingHTTPHandler implements the streamable HTTP transport of the Model
// Context Protocol in front of the shared protocol engine.
type StreamingHTTPHandler struct {
	mux                   *http.ServeMux
	log                   *slog.Logger
	prmDocument           wellknown.ProtectedResourceMetadata
	prmDocumentURL        *url.URL
	serverURL             *url.URL
	authServerMetadata    wellknown.AuthServerMetadata
	authServerMetadataURL *url.URL

	auth        auth.Authenticator
	mcp         mcpservice.ServerCapabilities
	eng         *engine.Engine
	codec       *sessioncore.WireCodec
	sessionHost sessions.SessionHost
	realm       string
}

// lockedWriteFlusher serializes writes and flushes to a response body shared
// between the request goroutine and the engine's delivery callback. Once the
// request context ends nothing more is written.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) done() bool {
	return l.ctx != nil && l.ctx.Err() != nil
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done() {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done() {
		return
	}
	l.Flusher.Flush()
}

// New builds the streamable HTTP handler. publicEndpoint is the externally
// visible URL of the MCP endpoint; host stores sessions (shareable across
// replicas); server supplies the capabilities; authenticator gates every
// request.
//
// The advertised security posture resolves from WithSecurityConfig first,
// then from the authenticator when it implements auth.SecurityDescriptor.
// With neither source the handler still authenticates but serves no
// well-known security metadata. An authenticator or a security config is
// required; having neither is an error.
func New(ctx context.Context, publicEndpoint string, host sessions.SessionHost, server mcpservice.ServerCapabilities, authenticator auth.Authenticator, opts ...Option) (*StreamingHTTPHandler, error) {
	if server == nil {
		return nil, fmt.Errorf("server is required")
	}
	if host == nil {
		return nil, fmt.Errorf("SessionHost is required")
	}

	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	var resolved *auth.SecurityConfig
	if cfg.securityConfig != nil {
		cc := cfg.securityConfig.Copy()
		resolved = &cc
	}
	if resolved == nil && authenticator != nil {
		if sd, ok := authenticator.(auth.SecurityDescriptor); ok {
			cc := sd.SecurityConfig().Copy()
			resolved = &cc
		}
	}
	if resolved == nil && authenticator == nil {
		return nil, fmt.Errorf("either authenticator or WithSecurityConfig required")
	}

	keyring := cfg.keyring
	if keyring == nil {
		keyring, err = sessioncore.EphemeralKeyring()
		if err != nil {
			return nil, fmt.Errorf("generate session signing key: %w", err)
		}
	}

	loggerWithContextHandler := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	h := &StreamingHTTPHandler{
		log:         loggerWithContextHandler,
		serverURL:   mcpURL,
		auth:        authenticator,
		mcp:         server,
		codec:       sessioncore.NewWireCodec(keyring),
		sessionHost: host,
		realm:       cfg.realm,
	}

	h.eng = engine.NewEngine(host, server, engine.WithLogger(h.log))
	go func() {
		if err := h.eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			h.log.Error("engine.run.fail", slog.String("err", err.Error()))
		}
	}()

	if resolved != nil && resolved.Advertise {
		// OIDC metadata is advertisement-only; a nil block just yields sparse
		// documents. Discovery-backed configs always populate it.
		oidc := resolved.OIDC
		if oidc == nil {
			oidc = &auth.OIDCExtra{}
		}
		h.prmDocument = wellknown.ProtectedResourceMetadata{
			Resource:                           mcpURL.String(),
			AuthorizationServers:               []string{resolved.Issuer},
			JwksURI:                            resolved.JWKSURL,
			ScopesSupported:                    oidc.ScopesSupported,
			BearerMethodsSupported:             []string{"authorization_header"},
			ResourceName:                       cfg.serverName,
			ResourceDocumentation:              oidc.ServiceDocumentation,
			ResourcePolicyURI:                  oidc.OpPolicyURI,
			ResourceTosURI:                     oidc.OpTosURI,
			AuthorizationDetailsTypesSupported: []string{"urn:ietf:params:oauth:authorization-details"},
		}
		h.authServerMetadata = wellknown.AuthServerMetadata{
			Issuer:                 resolved.Issuer,
			AuthorizationEndpoint:  oidc.AuthorizationEndpoint,
			TokenEndpoint:          oidc.TokenEndpoint,
			RegistrationEndpoint:   oidc.RegistrationEndpoint,
			JwksURI:                resolved.JWKSURL,
			ScopesSupported:        oidc.ScopesSupported,
			ResponseTypesSupported: oidc.ResponseTypesSupported,
			GrantTypesSupported:    oidc.GrantTypesSupported,
			ResponseModesSupported: oidc.ResponseModesSupported,
			CodeChallengeMethodsSupported:     oidc.CodeChallengeMethodsSupported,
			TokenEndpointAuthMethodsSupported: oidc.TokenEndpointAuthMethodsSupported,
			TokenEndpointAuthSigningAlgValuesSupported: oidc.TokenEndpointAuthSigningAlgValuesSupported,
			ServiceDocumentation: oidc.ServiceDocumentation,
			OpPolicyURI:          oidc.OpPolicyURI,
			OpTosURI:             oidc.OpTosURI,
		}
	}

	h.prmDocumentURL = &url.URL{Scheme: mcpURL.Scheme, Host: mcpURL.Host, Path: fmt.Sprintf("/.well-known/oauth-protected-resource%s", mcpURL.Path)}
	h.authServerMetadataURL = &url.URL{Scheme: mcpURL.Scheme, Host: mcpURL.Host, Path: "/.well-known/oauth-authorization-server"}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", pathOnly(mcpURL)), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", pathOnly(mcpURL)), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", pathOnly(mcpURL)), h.handleDeleteMCP)
	registerWellKnown(mux, pathOnly(h.prmDocumentURL), h.handleGetProtectedResourceMetadata)
	registerWellKnown(mux, pathOnly(h.authServerMetadataURL), h.handleGetAuthorizationServerMetadata)
	h.mux = mux
	return h, nil
}

// registerWellKnown routes GET and CORS preflight for a well-known document
// at both the slashed and unslashed path, so ServeMux never answers with a
// 301 a fetch() would chase.
func registerWellKnown(mux *http.ServeMux, path string, get http.HandlerFunc) {
	base := strings.TrimSuffix(path, "/")
	mux.HandleFunc(fmt.Sprintf("GET %s", base), get)
	mux.HandleFunc(fmt.Sprintf("OPTIONS %s", base), handleWellKnownPreflight)
	mux.HandleFunc(fmt.Sprintf("GET %s/", base), get)
	mux.HandleFunc(fmt.Sprintf("OPTIONS %s/", base), handleWellKnownPreflight)
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil {
		return "/"
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// resolveSessionID verifies the signed Mcp-Session-Id header and recovers the
// internal session id it names. The signature and user binding are checked
// before the session host is ever consulted, so forged or foreign identifiers
// cost no storage round-trip.
func (h *StreamingHTTPHandler) resolveSessionID(r *http.Request, userID string) (string, error) {
	wireID := r.Header.Get(mcpSessionIDHeader)
	if wireID == "" {
		return "", ErrSessionHeaderMissing
	}
	sessID, err := h.codec.Decode(wireID, userID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSessionHeaderInvalid, err)
	}
	return sessID, nil
}

// handleDeleteMCP handles the DELETE /mcp endpoint, which terminates an existing
// session. Authentication is required. On success, both persistent host-side
// resources and any process-local ephemeral resources associated with the
// session are cleaned up.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}
	h.log.InfoContext(ctx, "auth.ok")

	sessID, err := h.resolveSessionID(r, userInfo.UserID())
	if err != nil {
		if errors.Is(err, ErrSessionHeaderMissing) {
			h.log.WarnContext(ctx, "delete.missing_session_id")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// Tampered or foreign identifier: indistinguishable from unknown.
		h.log.InfoContext(ctx, "session.wire.invalid")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	sess, err := h.eng.LoadSession(ctx, sessID, userInfo.UserID())
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			h.log.InfoContext(ctx, "session.delete.miss")
			w.WriteHeader(http.StatusNotFound)
			return
		}

		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
			SessionID: sessID,
			UserID:    userInfo.UserID(),
		})

		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		UserID:          userInfo.UserID(),
		ProtocolVersion: sess.ProtocolVersion(),
		State:           sess.State(),
	})

	pvHeader := r.Header.Get(mcpProtocolVersionHeader)

	if pvHeader != "" && sess.ProtocolVersion() != "" && pvHeader != sess.ProtocolVersion() {
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pvHeader))
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	if err := h.eng.DeleteSession(ctx, sess); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			h.log.InfoContext(ctx, "session.delete.miss")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if v := sess.ProtocolVersion(); v != "" {
		w.Header().Set(mcpProtocolVersionHeader, v)
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handlePostMCP accepts client messages. A POST without a session header may
// only carry an initialize request; everything else rides an existing
// session.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on streaming HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	sessID, err := h.resolveSessionID(r, userInfo.UserID())
	if err != nil {
		if !errors.Is(err, ErrSessionHeaderMissing) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.wire.invalid")
			return
		}

		// Session initialization via Engine
		req := msg.AsRequest()
		if req == nil || req.Method != string(mcp.InitializeMethod) {
			writeJSONError(w, http.StatusNotFound, "expected initialize request")
			h.log.InfoContext(ctx, "session.initialize.invalid")
			return
		}
		var initReq mcp.InitializeRequest
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid initialize params")
			h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
			return
		}
		sess, initRes, err := h.eng.InitializeSession(ctx, userInfo.UserID(), &initReq)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
			h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
			return
		}

		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.SessionID(), UserID: userInfo.UserID()})

		wireID, err := h.codec.Encode(sess.SessionID(), userInfo.UserID())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
			h.log.ErrorContext(ctx, "session.wire.encode.fail", slog.String("err", err.Error()))
			return
		}

		resp, err := jsonrpc.NewResultResponse(req.ID, initRes)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
			h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
			return
		}
		w.Header().Set(mcpSessionIDHeader, wireID)
		if v := initRes.ProtocolVersion; v != "" {
			w.Header().Set(mcpProtocolVersionHeader, v)
		}
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
		}
		h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	sess, err := h.eng.LoadSession(ctx, sessID, userInfo.UserID())
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		UserID:          sess.UserID(),
		ProtocolVersion: sess.ProtocolVersion(),
		State:           sess.State(),
	})

	h.log.InfoContext(ctx, "session.load.ok")

	if req := msg.AsRequest(); req != nil && req.Method == string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}
	clientPV := r.Header.Get(mcpProtocolVersionHeader)
	if clientPV != "" && sess.ProtocolVersion() != "" && clientPV != sess.ProtocolVersion() {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", clientPV))
		return
	}

	if req := msg.AsRequest(); req != nil {
		if req.ID.IsNil() {
			if err := h.eng.HandleNotification(ctx, sess, req); err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				h.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
				return
			}
			if spv := sess.ProtocolVersion(); spv != "" {
				w.Header().Set(mcpProtocolVersionHeader, spv)
			}
			w.WriteHeader(http.StatusAccepted)
			h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
			return
		}

		// Requests may be answered as a single JSON document or as an SSE
		// stream; the stream lets notifications/progress ride along ahead of
		// the response. An empty Accept header selects plain JSON.
		wantsSSE := false
		if acc := r.Header.Get("Accept"); acc != "" {
			mt, _, err := contenttype.GetAcceptableMediaType(r, responseMediaTypes)
			if err != nil {
				w.WriteHeader(http.StatusUnsupportedMediaType)
				h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
				return
			}
			wantsSSE = mt.Matches(eventStreamMediaType)
		}
		if spv := sess.ProtocolVersion(); spv != "" {
			w.Header().Set(mcpProtocolVersionHeader, spv)
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		rid := req.ID.String()

		if !wantsSSE {
			// Plain JSON response. Progress can't ride this reply, so route
			// it through the session stream where a standalone GET delivers it.
			ctx = mcpservice.WithProgressReporter(ctx, publishingProgressReporter{
				eng:       h.eng,
				sessID:    sess.SessionID(),
				userID:    sess.UserID(),
				requestID: rid,
			})

			res, err := h.eng.HandleRequest(ctx, sess, req)
			if err != nil {
				h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
				res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
			}
			w.Header().Set("Content-Type", jsonMediaType.String())
			w.WriteHeader(http.StatusOK)
			if err := json.NewEncoder(w).Encode(res); err != nil {
				h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
				return
			}
			h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
			return
		}

		w.Header().Set("Content-Type", eventStreamMediaType.String())
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		wf.Flush()

		ctx = mcpservice.WithProgressReporter(ctx, streamingProgressReporter{wf: wf, requestID: rid})

		res, err := h.eng.HandleRequest(ctx, sess, req)
		if err != nil {
			h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
		}

		b, mErr := json.Marshal(res)
		if mErr != nil {
			h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", mErr.Error()))
			return
		}
		if err := writeSSEEvent(wf, "", b); err != nil {
			// The client went away mid-request. Park the response on the
			// session stream so a reconnecting client can still collect it.
			if _, pubErr := h.eng.PublishToSession(context.WithoutCancel(ctx), sess.SessionID(), sess.UserID(), b); pubErr != nil {
				h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()), slog.String("publish_err", pubErr.Error()))
				return
			}
			h.log.WarnContext(ctx, "sse.write.fallback", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	if res := msg.AsResponse(); res != nil {
		// This server never issues server-to-client requests, so any inbound
		// response is stale. Accept it to keep well-behaved clients happy.
		if spv := sess.ProtocolVersion(); spv != "" {
			w.Header().Set(mcpProtocolVersionHeader, spv)
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "response.inbound.ignored", slog.Duration("dur", time.Since(start)))
		return
	}

	h.log.WarnContext(ctx, "jsonrpc.message.unrecognized", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP opens the standalone SSE stream carrying server-initiated
// messages for an established session.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	if err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}
	h.log.InfoContext(ctx, "auth.ok")

	sessID, err := h.resolveSessionID(r, userInfo.UserID())
	if err != nil {
		if errors.Is(err, ErrSessionHeaderMissing) {
			w.WriteHeader(http.StatusBadRequest)
			h.log.WarnContext(ctx, "session.id.missing")
			return
		}
		w.WriteHeader(http.StatusNotFound)
		h.log.InfoContext(ctx, "session.wire.invalid")
		return
	}

	sess, err := h.eng.LoadSession(ctx, sessID, userInfo.UserID())
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			w.WriteHeader(http.StatusNotFound)
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}

		ctx := logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, UserID: userInfo.UserID()})

		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		UserID:          sess.UserID(),
		ProtocolVersion: sess.ProtocolVersion(),
		State:           sess.State(),
	})

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" {
		if spv := sess.ProtocolVersion(); spv != "" && pv != spv {
			w.WriteHeader(http.StatusPreconditionFailed)
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return
		}
	}

	lastEventID := r.Header.Get(lastEventIDHeader)

	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	if err := h.eng.StreamSession(ctx, sess, lastEventID, func(cbCtx context.Context, msgID string, bytes []byte) error {
		if err := writeSSEEvent(wf, msgID, bytes); err != nil {
			h.log.ErrorContext(cbCtx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		h.log.InfoContext(cbCtx, "sse.message.deliver")
		return nil
	}); err != nil {
		if errors.Is(err, context.Canceled) {
			h.log.InfoContext(ctx, "subscribe.session.done")
		} else {
			h.log.ErrorContext(ctx, "subscribe.session.fail", slog.String("err", err.Error()))
		}
		return
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleWellKnownPreflight answers CORS preflight for the well-known
// documents; browsers fetch them cross-origin during OAuth bootstrapping.
func handleWellKnownPreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func writeWellKnownDocument(w http.ResponseWriter, doc any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode metadata document: %v", err), http.StatusInternalServerError)
	}
}

// handleGetProtectedResourceMetadata serves the RFC 9728 document bearer
// challenges point at.
func (h *StreamingHTTPHandler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeWellKnownDocument(w, h.prmDocument)
}

// handleGetAuthorizationServerMetadata republishes RFC 8414 authorization
// server metadata as a discovery convenience. Serving it does not make this
// process an authorization server.
func (h *StreamingHTTPHandler) handleGetAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeWellKnownDocument(w, h.authServerMetadata)
}

// challengeBearer writes a WWW-Authenticate header plus status. An empty
// errorCode produces the bare challenge RFC 6750 §3.1 prescribes for
// requests carrying no credentials at all.
func (h *StreamingHTTPHandler) challengeBearer(ctx context.Context, w http.ResponseWriter, status int, errorCode, description string) {
	var params map[string]string
	if errorCode != "" {
		params = map[string]string{"error": errorCode, "error_description": description}
	}
	h.log.InfoContext(ctx, "auth.check.fail",
		slog.Int("status", status), slog.String("err", description))
	w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, pathIfSet(h.prmDocumentURL), params))
	w.WriteHeader(status)
}

func (h *StreamingHTTPHandler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		h.challengeBearer(ctx, w, http.StatusUnauthorized, "", "no authorization header")
		return nil
	}

	// Wrong scheme or nothing after it: invalid_request per RFC 6750 §3.1.
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.challengeBearer(ctx, w, http.StatusBadRequest, "invalid_request", "malformed bearer authorization header")
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.challengeBearer(ctx, w, http.StatusBadRequest, "invalid_request", "empty bearer token")
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		h.challengeBearer(ctx, w, http.StatusUnauthorized, "invalid_token", err.Error())
		return nil
	case errors.Is(err, auth.ErrInsufficientScope):
		h.challengeBearer(ctx, w, http.StatusForbidden, "insufficient_scope", err.Error())
		return nil
	case err != nil:
		h.log.InfoContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}

	return userInfo
}

// writeSSEEvent writes one Server-Sent Event frame. The payload is emitted as
// the data field; msgID (when non-empty) becomes the event id clients replay
// via Last-Event-ID. Flushes after each frame.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

func marshalProgressNotification(requestID string, progress, total float64) ([]byte, error) {
	params := mcp.ProgressNotificationParams{ProgressToken: requestID, Progress: progress}
	if total > 0 {
		params.Total = total
	}
	n, err := jsonrpc.NewNotification(string(mcp.ProgressNotificationMethod), params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

// streamingProgressReporter emits notifications/progress as interim SSE frames
// on the response stream of the request being served.
//
// The frames carry no event id: they bypass the session's ordered message
// stream, so a frame lost between flush and client receipt is gone. That is
// the trade-off the streamable HTTP transport makes for request-scoped
// streams (2025-06-18 basic/transports, "Sending Messages to the Server").
type streamingProgressReporter struct {
	wf        *lockedWriteFlusher
	requestID string
}

func (p streamingProgressReporter) Report(ctx context.Context, progress, total float64) error {
	b, err := marshalProgressNotification(p.requestID, progress, total)
	if err != nil {
		return err
	}
	return writeSSEEvent(p.wf, "", b)
}

// publishingProgressReporter routes notifications/progress through the session
// event stream for requests answered with a plain JSON body. A standalone GET
// stream (same session) delivers them.
type publishingProgressReporter struct {
	eng       *engine.Engine
	sessID    string
	userID    string
	requestID string
}

func (p publishingProgressReporter) Report(ctx context.Context, progress, total float64) error {
	b, err := marshalProgressNotification(p.requestID, progress, total)
	if err != nil {
		return err
	}
	_, err = p.eng.PublishToSession(ctx, p.sessID, p.userID, b)
	return err
}
