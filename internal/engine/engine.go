// Package engine implements the transport-agnostic MCP protocol core:
// session lifecycle, request dispatch into server capabilities, and
// cross-instance fan-out for notifications and cancellation.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ibrohimislam/mcp-odoo/internal/jsonrpc"
	"github.com/ibrohimislam/mcp-odoo/internal/logctx"
	"github.com/ibrohimislam/mcp-odoo/mcp"
	"github.com/ibrohimislam/mcp-odoo/mcpservice"
	"github.com/ibrohimislam/mcp-odoo/sessions"
)

const (
	defaultSessionTTL         = 1 * time.Hour
	defaultSessionMaxLifetime = 24 * time.Hour
)

const sessionFanoutTopic = "session:events"

// internal fanout-only method name for session deletion notifications.
const internalSessionDeletedMethod = "internal/session/deleted"

var (
	ErrCancelled     = errors.New("operation cancelled")
	ErrInvalidUserID = errors.New("invalid user id")
	ErrInternal      = errors.New("internal error")
)

// fanoutMessage is the envelope published on the inter-instance topic. Msg is
// a complete JSON-RPC message scoped to the named session.
type fanoutMessage struct {
	SessionID string          `json:"sid"`
	UserID    string          `json:"uid"`
	Msg       json.RawMessage `json:"msg"`
}

// Engine is the core of the MCP server, coordinating sessions, message
// routing, and protocol handling. It is transport-agnostic: the streaming
// HTTP and stdio front-ends both drive the same engine.
type Engine struct {
	host sessions.SessionHost
	srv  mcpservice.ServerCapabilities
	log  *slog.Logger
	id   string // process-unique engine ID for coordination

	// session config
	sessionTTL         time.Duration
	sessionMaxLifetime time.Duration
	handshakeTTL       time.Duration

	// in-flight request tracking, keyed by session and request id so a
	// cancellation observed on any instance can land on the right context
	callMu      sync.Mutex
	callCancels map[callKey]context.CancelCauseFunc

	// wiring state for per-session background emitters
	wireMu sync.Mutex
	wired  map[string]bool // sessionID -> registered
}

type callKey struct {
	sessionID string
	requestID string
}

func NewEngine(host sessions.SessionHost, srv mcpservice.ServerCapabilities, opts ...EngineOption) *Engine {
	e := &Engine{
		host:               host,
		srv:                srv,
		log:                slog.Default(),
		id:                 uuid.NewString(),
		sessionTTL:         defaultSessionTTL,
		sessionMaxLifetime: defaultSessionMaxLifetime,
		handshakeTTL:       30 * time.Second,
		callCancels:        make(map[callKey]context.CancelCauseFunc),
		wired:              make(map[string]bool),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSessionTTL overrides the sliding TTL used for sessions.
func WithSessionTTL(d time.Duration) EngineOption { return func(m *Engine) { m.sessionTTL = d } }

// WithSessionMaxLifetime sets an absolute maximum lifetime horizon (0 = disabled).
func WithSessionMaxLifetime(d time.Duration) EngineOption {
	return func(m *Engine) { m.sessionMaxLifetime = d }
}

// WithHandshakeTTL sets the TTL for a pending session awaiting the client's
// notifications/initialized message. Default is 30s.
func WithHandshakeTTL(d time.Duration) EngineOption {
	return func(m *Engine) {
		if d > 0 {
			m.handshakeTTL = d
		}
	}
}

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(m *Engine) {
		if l != nil {
			m.log = l
		}
	}
}

func (e *Engine) Run(ctx context.Context) error {
	// Subscribe to the cross-instance fanout topic and keep the subscription
	// alive for the lifetime of ctx. The host's SubscribeEvents returns once
	// the subscription is registered, so we must block here or the derived
	// context would be canceled, tearing down the subscription prematurely.
	if err := e.host.SubscribeEvents(ctx, sessionFanoutTopic, e.handleSessionEvent); err != nil {
		return err
	}

	<-ctx.Done()
	return ctx.Err()
}

// InitializeSession handles the MCP initialize handshake, creating a pending
// session record and returning the InitializeResult payload alongside a
// session handle for subsequent requests.
func (e *Engine) InitializeSession(ctx context.Context, userID string, req *mcp.InitializeRequest) (*SessionHandle, *mcp.InitializeResult, error) {
	if req == nil {
		return nil, nil, fmt.Errorf("initialize request required")
	}

	negotiatedVersion := req.ProtocolVersion
	if v, ok, err := e.srv.GetPreferredProtocolVersion(ctx); err != nil {
		return nil, nil, fmt.Errorf("get preferred protocol version: %w", err)
	} else if ok && v != "" {
		negotiatedVersion = v
	}

	// Client capabilities are recorded for observability; this server never
	// issues sampling, roots, or elicitation requests back to the client.
	capSet := sessions.CapabilitySet{}
	if req.Capabilities.Sampling != nil {
		capSet.Sampling = true
	}
	if req.Capabilities.Roots != nil {
		capSet.Roots = true
		capSet.RootsListChanged = req.Capabilities.Roots.ListChanged
	}
	if req.Capabilities.Elicitation != nil {
		capSet.Elicitation = true
	}

	client := sessions.ClientInfo{
		Name:    req.ClientInfo.Name,
		Version: req.ClientInfo.Version,
	}

	sess, err := e.createSession(ctx, userID, negotiatedVersion, capSet, client)
	if err != nil {
		return nil, nil, err
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = e.host.DeleteSession(ctx, sess.SessionID())
		}
	}()

	serverInfo, err := e.srv.GetServerInfo(ctx, sess)
	if err != nil {
		return nil, nil, fmt.Errorf("get server info: %w", err)
	}

	initRes := &mcp.InitializeResult{
		ProtocolVersion: negotiatedVersion,
		Capabilities:    mcp.ServerCapabilities{},
		ServerInfo:      serverInfo,
	}

	if instr, ok, err := e.srv.GetInstructions(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("get instructions: %w", err)
	} else if ok {
		initRes.Instructions = instr
	}

	if resCap, ok, err := e.srv.GetResourcesCapability(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("get resources capability: %w", err)
	} else if ok && resCap != nil {
		entry := &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{}
		if subCap, hasSub, subErr := resCap.GetSubscriptionCapability(ctx, sess); subErr != nil {
			return nil, nil, fmt.Errorf("get resources subscription capability: %w", subErr)
		} else if hasSub && subCap != nil {
			entry.Subscribe = true
		}
		if lcCap, hasLC, lcErr := resCap.GetListChangedCapability(ctx, sess); lcErr != nil {
			return nil, nil, fmt.Errorf("get resources listChanged capability: %w", lcErr)
		} else if hasLC && lcCap != nil {
			entry.ListChanged = true
		}
		initRes.Capabilities.Resources = entry
	}

	if toolsCap, ok, err := e.srv.GetToolsCapability(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("get tools capability: %w", err)
	} else if ok && toolsCap != nil {
		entry := &struct {
			ListChanged bool `json:"listChanged"`
		}{}
		if lcCap, hasLC, lcErr := toolsCap.GetListChangedCapability(ctx, sess); lcErr != nil {
			return nil, nil, fmt.Errorf("get tools listChanged capability: %w", lcErr)
		} else if hasLC && lcCap != nil {
			entry.ListChanged = true
		}
		initRes.Capabilities.Tools = entry
	}

	if promptsCap, ok, err := e.srv.GetPromptsCapability(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("get prompts capability: %w", err)
	} else if ok && promptsCap != nil {
		entry := &struct {
			ListChanged bool `json:"listChanged"`
		}{}
		if lcCap, hasLC, lcErr := promptsCap.GetListChangedCapability(ctx, sess); lcErr != nil {
			return nil, nil, fmt.Errorf("get prompts listChanged capability: %w", lcErr)
		} else if hasLC && lcCap != nil {
			entry.ListChanged = true
		}
		initRes.Capabilities.Prompts = entry
	}

	if _, ok, err := e.srv.GetLoggingCapability(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("get logging capability: %w", err)
	} else if ok {
		initRes.Capabilities.Logging = &struct{}{}
	}

	cleanup = false

	return sess, initRes, nil
}

func (e *Engine) HandleRequest(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	switch req.Method {
	case string(mcp.PingMethod):
		return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	case string(mcp.ToolsListMethod):
		return e.handleToolsList(ctx, sess, req)
	case string(mcp.ToolsCallMethod):
		return e.handleToolCall(ctx, sess, req)
	case string(mcp.ResourcesListMethod):
		return e.handleResourcesList(ctx, sess, req)
	case string(mcp.ResourcesReadMethod):
		return e.handleResourcesRead(ctx, sess, req)
	case string(mcp.ResourcesTemplatesListMethod):
		return e.handleResourcesTemplatesList(ctx, sess, req)
	case string(mcp.ResourcesSubscribeMethod):
		return e.handleResourcesSubscribe(ctx, sess, req)
	case string(mcp.ResourcesUnsubscribeMethod):
		return e.handleResourcesUnsubscribe(ctx, sess, req)
	case string(mcp.PromptsListMethod):
		return e.handlePromptsList(ctx, sess, req)
	case string(mcp.PromptsGetMethod):
		return e.handlePromptsGet(ctx, sess, req)
	case string(mcp.LoggingSetLevelMethod):
		return e.handleSetLoggingLevel(ctx, sess, req)
	}

	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not supported: %s", req.Method), nil), nil
}

func (e *Engine) handleSetLoggingLevel(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))
	var params mcp.SetLevelRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	cap, ok, err := e.srv.GetLoggingCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if !ok || cap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "logging not supported", nil), nil
	}

	if err := cap.SetLevel(ctx, sess, params.Level); err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		// Invalid level is a client error -> InvalidParams
		if errors.Is(err, mcpservice.ErrInvalidLoggingLevel) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	// Record the level on the session so it survives instance failover.
	if err := e.host.MutateSession(ctx, sess.SessionID(), func(m *sessions.SessionMetadata) error {
		if m == nil || m.Revoked || m.UserID != sess.UserID() {
			return nil
		}
		m.LogLevel = string(params.Level)
		m.UpdatedAt = time.Now().UTC()
		return nil
	}); err != nil {
		log.WarnContext(ctx, "engine.handle_request.persist_level.fail", slog.String("err", err.Error()))
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.String("level", string(params.Level)))
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

func (e *Engine) handleResourcesSubscribe(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.SubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "invalid params"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	subCap, ok := e.resourceSubscriptions(ctx, sess, log)
	if !ok {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "subscriptions not supported", nil), nil
	}

	if err := subCap.Subscribe(ctx, sess, params.URI); err != nil {
		log.InfoContext(ctx, "engine.handle_request.subscribe.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

func (e *Engine) handleResourcesUnsubscribe(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.UnsubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "invalid params"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	subCap, ok := e.resourceSubscriptions(ctx, sess, log)
	if !ok {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "subscriptions not supported", nil), nil
	}

	if err := subCap.Unsubscribe(ctx, sess, params.URI); err != nil {
		log.InfoContext(ctx, "engine.handle_request.unsubscribe.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

func (e *Engine) resourceSubscriptions(ctx context.Context, sess *SessionHandle, log *slog.Logger) (mcpservice.ResourceSubscriptionCapability, bool) {
	resCap, ok, err := e.srv.GetResourcesCapability(ctx, sess)
	if err != nil || !ok || resCap == nil {
		if err != nil {
			log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		}
		return nil, false
	}
	subCap, hasSub, err := resCap.GetSubscriptionCapability(ctx, sess)
	if err != nil || !hasSub || subCap == nil {
		if err != nil {
			log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		}
		return nil, false
	}
	return subCap, true
}

func (e *Engine) handleToolsList(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	cap, ok, err := e.srv.GetToolsCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if !ok || cap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil), nil
	}

	var cursor *string
	if params.Cursor != "" {
		s := params.Cursor
		cursor = &s
	}

	page, err := cap.ListTools(ctx, sess, cursor)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	result := &mcp.ListToolsResult{
		Tools: page.Items,
	}
	if page.NextCursor != nil {
		result.NextCursor = *page.NextCursor
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("tool_count", len(page.Items)))

	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) handleToolCall(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	cap, ok, err := e.srv.GetToolsCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if !ok || cap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil), nil
	}

	// A cancellation notification can arrive on any instance; it reaches this
	// one via the fanout topic. Track the cancel func under (session, request)
	// so the consumer loop can find it.
	reqID := req.ID.String()
	if reqID == "" {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", "missing request ID"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "missing request ID", nil), nil
	}
	key := callKey{sessionID: sess.SessionID(), requestID: reqID}

	toolCtx, toolCancel := context.WithCancelCause(ctx)
	defer toolCancel(context.Canceled)

	e.callMu.Lock()
	if _, exists := e.callCancels[key]; exists {
		// Request IDs are unique per session; a duplicate is a client bug.
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", "duplicate request ID"))
		e.callMu.Unlock()
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request ID", nil), nil
	}
	e.callCancels[key] = toolCancel
	e.callMu.Unlock()

	defer func() {
		e.callMu.Lock()
		delete(e.callCancels, key)
		e.callMu.Unlock()
	}()

	res, err := cap.CallTool(toolCtx, sess, &params)
	if err != nil {
		// If the tool was cancelled, surface a JSON-RPC error to the client quickly.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.InfoContext(ctx, "engine.handle_request.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil), nil
		}
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))

	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleResourcesTemplatesList(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ListResourceTemplatesRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	cap, ok, err := e.srv.GetResourcesCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if !ok || cap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resources capability not supported", nil), nil
	}

	var cursor *string
	if params.Cursor != "" {
		s := params.Cursor
		cursor = &s
	}

	page, err := cap.ListResourceTemplates(ctx, sess, cursor)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	res := &mcp.ListResourceTemplatesResult{ResourceTemplates: page.Items}
	if page.NextCursor != nil {
		res.NextCursor = *page.NextCursor
	}
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("template_count", len(page.Items)))
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handlePromptsList(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ListPromptsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	cap, ok, err := e.srv.GetPromptsCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if !ok || cap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "prompts capability not supported", nil), nil
	}

	var cursor *string
	if params.Cursor != "" {
		s := params.Cursor
		cursor = &s
	}

	page, err := cap.ListPrompts(ctx, sess, cursor)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	res := &mcp.ListPromptsResult{Prompts: page.Items}
	if page.NextCursor != nil {
		res.NextCursor = *page.NextCursor
	}
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("prompt_count", len(page.Items)))
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handlePromptsGet(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.GetPromptRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing name"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	cap, ok, err := e.srv.GetPromptsCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if !ok || cap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "prompts capability not supported", nil), nil
	}

	result, err := cap.GetPrompt(ctx, sess, &params)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) handleResourcesList(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ListResourcesRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	cap, ok, err := e.srv.GetResourcesCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if !ok || cap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resources capability not supported", nil), nil
	}

	var cursor *string
	if params.Cursor != "" {
		s := params.Cursor
		cursor = &s
	}

	page, err := cap.ListResources(ctx, sess, cursor)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	res := &mcp.ListResourcesResult{Resources: page.Items}
	if page.NextCursor != nil {
		res.NextCursor = *page.NextCursor
	}
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("resource_count", len(page.Items)))
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleResourcesRead(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.URI == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing uri"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	cap, ok, err := e.srv.GetResourcesCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if !ok || cap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resources capability not supported", nil), nil
	}

	contents, err := cap.ReadResource(ctx, sess, params.URI)
	if err != nil {
		// Unlike tool calls, resource reads have no in-band failure shape;
		// the error text is the only signal the client gets.
		log.InfoContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil), nil
	}

	res := &mcp.ReadResourceResult{Contents: contents}
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("content_count", len(contents)))
	return jsonrpc.NewResultResponse(req.ID, res)
}

// HandleNotification processes an incoming JSON-RPC notification from a
// client. Apart from notifications/initialized, which mutates the session
// record directly, notifications are republished to all instances and handled
// in the fanout consumer loop.
func (e *Engine) HandleNotification(ctx context.Context, sess *SessionHandle, note *jsonrpc.Request) error {
	if note.Method == string(mcp.InitializedNotificationMethod) {
		// Open the session immediately on this instance to avoid local races;
		// peers observe the mutated record on their next load.
		now := time.Now().UTC()
		if err := e.host.MutateSession(ctx, sess.SessionID(), func(m *sessions.SessionMetadata) error {
			if m == nil || m.Revoked || m.UserID != sess.UserID() {
				return nil
			}
			// Idempotent: if already open, nothing to do.
			if m.State == sessions.SessionStateOpen {
				return nil
			}
			m.State = sessions.SessionStateOpen
			m.TTL = e.sessionTTL
			m.UpdatedAt = now
			m.LastAccess = now

			ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
				SessionID:       sess.SessionID(),
				UserID:          sess.UserID(),
				ProtocolVersion: sess.ProtocolVersion(),
				State:           m.State,
			})

			return nil
		}); err != nil {
			e.log.ErrorContext(ctx, "engine.handle_notification.open.fail", slog.String("err", err.Error()))
		}

		e.log.InfoContext(ctx, "engine.session.initialized")

		return nil
	}

	noteBytes, err := json.Marshal(note)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_notification.err", slog.String("err", err.Error()))
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	msg, err := json.Marshal(fanoutMessage{
		SessionID: sess.SessionID(),
		UserID:    sess.UserID(),
		Msg:       noteBytes,
	})
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_notification.err", slog.String("err", err.Error()))
		return fmt.Errorf("failed to marshal fanout message: %w", err)
	}

	if err := e.host.PublishEvent(ctx, sessionFanoutTopic, msg); err != nil {
		e.log.ErrorContext(ctx, "engine.publish_event.err", slog.String("err", err.Error()))
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	e.log.InfoContext(ctx, "engine.handle_notification.ok")

	return nil
}

func (e *Engine) createSession(ctx context.Context, userID string, protocolVersion string, caps sessions.CapabilitySet, client sessions.ClientInfo) (*SessionHandle, error) {
	if userID == "" { // user scoping required for auth boundary
		return nil, ErrInvalidUserID
	}
	start := time.Now()
	sid := uuid.NewString()
	now := time.Now().UTC()
	metaRec := &sessions.SessionMetadata{
		MetaVersion:     1,
		SessionID:       sid,
		UserID:          userID,
		ProtocolVersion: protocolVersion,
		Client:          client,
		Capabilities:    caps,
		State:           sessions.SessionStatePending,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastAccess:      now,
		TTL:             e.handshakeTTL,
		MaxLifetime:     e.sessionMaxLifetime,
		Revoked:         false,
	}
	if err := e.host.CreateSession(ctx, metaRec); err != nil {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sid, UserID: userID})
		e.log.ErrorContext(ctx, "engine.create_session.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("create session: %w", err)
	}

	sess := NewSessionHandle(metaRec)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		UserID:          sess.UserID(),
		ProtocolVersion: sess.ProtocolVersion(),
		State:           sess.State(),
	})

	e.log.InfoContext(ctx, "engine.create_session.ok", slog.Duration("dur", time.Since(start)))

	return sess, nil
}

// wireListChangedEmitters ensures the given session has listeners registered
// for any supported listChanged capabilities, so capability-side changes
// become client notifications on the session stream.
func (e *Engine) wireListChangedEmitters(ctx context.Context, sess *SessionHandle) {
	sid := sess.SessionID()

	e.wireMu.Lock()
	if e.wired[sid] {
		e.wireMu.Unlock()
		return
	}
	e.wired[sid] = true
	e.wireMu.Unlock()

	// Use WithoutCancel to outlive a single request while preserving values
	// for logging/tracing.
	bg := context.WithoutCancel(ctx)

	publishNote := func(method mcp.Method) {
		note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(method)}
		bytes, err := json.Marshal(note)
		if err != nil {
			e.log.ErrorContext(ctx, "engine.emitter.encode.fail", slog.String("err", err.Error()))
			return
		}
		if _, err := e.host.PublishSession(bg, sid, bytes); err != nil {
			e.log.ErrorContext(ctx, "engine.emitter.publish.fail", slog.String("err", err.Error()))
		}
	}

	if resCap, ok, err := e.srv.GetResourcesCapability(bg, sess); err == nil && ok && resCap != nil {
		if lc, hasLC, lErr := resCap.GetListChangedCapability(bg, sess); lErr == nil && hasLC && lc != nil {
			_, _ = lc.Register(bg, sess, func(cbCtx context.Context, s sessions.Session, uri string) {
				publishNote(mcp.ResourcesListChangedNotificationMethod)
			})
		}
	}

	if toolsCap, ok, err := e.srv.GetToolsCapability(bg, sess); err == nil && ok && toolsCap != nil {
		if lc, hasLC, lErr := toolsCap.GetListChangedCapability(bg, sess); lErr == nil && hasLC && lc != nil {
			_, _ = lc.Register(bg, sess, func(cbCtx context.Context, s sessions.Session) {
				publishNote(mcp.ToolsListChangedNotificationMethod)
			})
		}
	}

	if promptsCap, ok, err := e.srv.GetPromptsCapability(bg, sess); err == nil && ok && promptsCap != nil {
		if lc, hasLC, lErr := promptsCap.GetListChangedCapability(bg, sess); lErr == nil && hasLC && lc != nil {
			_, _ = lc.Register(bg, sess, func(cbCtx context.Context, s sessions.Session) {
				publishNote(mcp.PromptsListChangedNotificationMethod)
			})
		}
	}
}

// LoadSession retrieves and validates session metadata, returning a handle.
// It verifies the session belongs to the specified user and is not revoked,
// and performs a best-effort TTL touch.
func (e *Engine) LoadSession(ctx context.Context, sessID, userID string) (*SessionHandle, error) {
	start := time.Now()
	metaRec, err := e.host.GetSession(ctx, sessID)
	if err != nil {
		e.log.InfoContext(ctx, "engine.load_session.fail", slog.String("err", err.Error()))
		return nil, err
	}
	if metaRec.Revoked || metaRec.UserID == "" || metaRec.UserID != userID {
		e.log.InfoContext(ctx, "engine.load_session.denied")
		return nil, sessions.ErrSessionNotFound
	}
	// Best-effort sliding TTL touch.
	_ = e.host.TouchSession(ctx, sessID)

	e.log.InfoContext(ctx, "engine.load_session.ok", slog.Duration("dur", time.Since(start)))

	sess := NewSessionHandle(metaRec)

	e.wireListChangedEmitters(ctx, sess)

	return sess, nil
}

func (e *Engine) cancelInFlightRequest(sessID, reqID string, reason string) bool {
	if reqID == "" {
		return false
	}

	e.callMu.Lock()
	cancel, exists := e.callCancels[callKey{sessionID: sessID, requestID: reqID}]
	e.callMu.Unlock()

	if exists && cancel != nil {
		cancelReason := reason
		if cancelReason == "" {
			cancelReason = "cancelled"
		}
		cancel(errors.New(cancelReason))
	}

	return exists && cancel != nil
}

// handleSessionEvent processes a session-related event message received over
// the inter-instance message bus.
func (e *Engine) handleSessionEvent(ctx context.Context, msg []byte) error {
	var fanout fanoutMessage
	if err := json.Unmarshal(msg, &fanout); err != nil {
		e.log.ErrorContext(ctx, "engine.handle_session_event.err", slog.String("err", err.Error()))
		return nil // ignore malformed messages
	}

	var jsonMsg jsonrpc.AnyMessage
	if err := json.Unmarshal(fanout.Msg, &jsonMsg); err != nil {
		e.log.ErrorContext(ctx, "engine.handle_session_event.unmarshal_err", slog.String("err", err.Error()))
		return nil // ignore malformed messages
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: fanout.SessionID,
		UserID:    fanout.UserID,
	})
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: jsonMsg.Method,
		ID:     jsonMsg.ID.String(),
		Type:   jsonMsg.Type(),
	})

	e.log.InfoContext(ctx, "engine.handle_session_event.recv")

	req := jsonMsg.AsRequest()
	if req == nil {
		// This server issues no requests toward clients, so inbound responses
		// have nothing to correlate with.
		return nil
	}

	switch req.Method {
	case internalSessionDeletedMethod:
		// Drop local per-session state so a recycled id starts clean.
		e.forgetSession(fanout.SessionID)
		return nil
	case string(mcp.CancelledNotificationMethod):
		var params mcp.CancelledNotification
		if err := json.Unmarshal(req.Params, &params); err != nil {
			e.log.ErrorContext(ctx, "engine.handle_session_event.err", slog.String("err", err.Error()))
			return nil // ignore malformed messages
		}

		if params.RequestID != "" {
			e.log.InfoContext(ctx, "engine.handle_session_event.cancel", slog.String("request_id", params.RequestID), slog.String("reason", params.Reason))

			hadCancel := e.cancelInFlightRequest(fanout.SessionID, params.RequestID, params.Reason)
			e.log.InfoContext(ctx, "engine.handle_session_event.cancel.dispatched", slog.String("request_id", params.RequestID), slog.Bool("had_cancel", hadCancel))
		}
		return nil
	default:
		// Unknown request; ignore.
		return nil
	}
}

// forgetSession clears local tracking for a deleted session: its emitter
// wiring record and any still-running tool call contexts.
func (e *Engine) forgetSession(sessID string) {
	e.wireMu.Lock()
	delete(e.wired, sessID)
	e.wireMu.Unlock()

	e.callMu.Lock()
	for key, cancel := range e.callCancels {
		if key.sessionID != sessID {
			continue
		}
		if cancel != nil {
			cancel(errors.New("session deleted"))
		}
		delete(e.callCancels, key)
	}
	e.callMu.Unlock()
}

// StreamSession subscribes the caller to the per-session client-facing stream
// starting after lastEventID. It is a thin wrapper over the host that keeps
// ownership checks (performed at LoadSession) in one place.
func (e *Engine) StreamSession(ctx context.Context, sess *SessionHandle, lastEventID string, handler sessions.MessageHandlerFunction) error {
	return e.host.SubscribeSession(ctx, sess.SessionID(), lastEventID, handler)
}

// DeleteSession deletes the session from the host and broadcasts the deletion
// so every instance can drop its local state. Returns ErrSessionNotFound if
// not owned or already gone.
func (e *Engine) DeleteSession(ctx context.Context, sess *SessionHandle) error {
	e.forgetSession(sess.SessionID())

	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: internalSessionDeletedMethod}
	bytes, _ := json.Marshal(note)
	outer := fanoutMessage{SessionID: sess.SessionID(), UserID: sess.UserID(), Msg: bytes}
	payload, err := json.Marshal(outer)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.delete_session.marshal.err", slog.String("err", err.Error()))
		return fmt.Errorf("error preparing fanout: %w", err)
	}

	if err := e.host.PublishEvent(context.WithoutCancel(ctx), sessionFanoutTopic, payload); err != nil {
		e.log.ErrorContext(ctx, "engine.delete_session.fanout.err", slog.String("err", err.Error()))
		return fmt.Errorf("error publishing fanout: %w", err)
	}

	if err := e.host.DeleteSession(ctx, sess.SessionID()); err != nil {
		e.log.ErrorContext(ctx, "engine.delete_session.err", slog.String("err", err.Error()))
		return fmt.Errorf("error deleting session: %w", err)
	}

	return nil
}

// PublishToSession validates ownership and appends a JSON-RPC message to the
// per-session client-facing stream. Returns the assigned event ID.
func (e *Engine) PublishToSession(ctx context.Context, sessID, userID string, msg jsonrpc.Message) (string, error) {
	meta, err := e.host.GetSession(ctx, sessID)
	if err != nil || meta == nil || meta.Revoked || meta.UserID != userID {
		return "", sessions.ErrSessionNotFound
	}
	evtID, err := e.host.PublishSession(ctx, sessID, msg)
	if err != nil {
		return "", fmt.Errorf("publish session: %w", err)
	}
	return evtID, nil
}
