// Package odoo is a client for the Odoo external API over JSON-RPC:
// common.login authentication (performed lazily, cached per credential
// generation) and object.execute_kw model calls. Server-reported faults
// surface as *RemoteError carrying the server's message unmodified; every
// other failure is a transport or decode error wrapped with local context.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ibrohimislam/mcp-odoo/internal/jsonrpc"
	"github.com/ibrohimislam/mcp-odoo/internal/logctx"
)

// Client is the record-service surface the rest of the server programs
// against. RPCClient implements it over the wire; NewCachedClient wraps any
// implementation with introspection caching.
type Client interface {
	// ListModels returns the models visible to the authenticated user,
	// keyed by technical name.
	ListModels(ctx context.Context) (map[string]ModelSummary, error)

	// ModelMetadata returns the ir.model record describing model.
	ModelMetadata(ctx context.Context, model string) (map[string]any, error)

	// ModelFields returns the field schema of model, keyed by field name.
	ModelFields(ctx context.Context, model string) (map[string]map[string]any, error)

	// ReadRecords reads the given ids. A nil fields slice reads all fields;
	// ids absent on the server are omitted from the result.
	ReadRecords(ctx context.Context, model string, ids []int64, fields []string) ([]map[string]any, error)

	// Count returns the number of records matching domain.
	Count(ctx context.Context, model string, domain Domain) (int64, error)

	// CallMethod invokes an arbitrary model method with domain as its
	// positional argument and options as keyword arguments, returning the
	// raw decoded result.
	CallMethod(ctx context.Context, model, method string, domain Domain, options map[string]any) (any, error)
}

// ModelSummary is one entry of ListModels.
type ModelSummary struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Transient   bool   `json:"transient,omitempty"`
}

// RemoteError is a fault reported by the Odoo server. Message is the
// server's text, passed through unmodified.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// metadataFields is the ir.model projection returned by ModelMetadata.
var metadataFields = []string{"name", "model", "state", "transient", "modules", "info"}

// fieldAttributes is the fields_get projection returned by ModelFields.
var fieldAttributes = []string{"string", "help", "type", "required", "readonly", "selection", "relation"}

// RPCClient talks to a single Odoo server at {URL}/jsonrpc. It is safe for
// concurrent use. Requests carry no client-side timeout; deadlines come from
// the caller's context.
type RPCClient struct {
	endpoint string
	db       string
	username string

	httpClient *http.Client
	log        *slog.Logger

	reqID atomic.Int64

	// loginMu serializes authentication so concurrent first calls produce
	// one login round trip.
	loginMu sync.Mutex

	mu       sync.Mutex
	password string
	uid      int64 // 0 until authenticated
}

var _ Client = (*RPCClient)(nil)

// ClientOption configures an RPCClient.
type ClientOption func(*RPCClient)

// WithHTTPClient substitutes the HTTP client used for all requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *RPCClient) { c.httpClient = hc }
}

// WithLogger sets the logger for wire-level debug logging.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *RPCClient) { c.log = log }
}

// NewClient validates cfg and returns an unauthenticated client; the first
// remote call logs in.
func NewClient(cfg Config, opts ...ClientOption) (*RPCClient, error) {
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	c := &RPCClient{
		endpoint:   cfg.URL + "/jsonrpc",
		db:         cfg.Database,
		username:   cfg.Username,
		httpClient: &http.Client{},
		log:        slog.Default(),
		password:   cfg.Password,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetPassword installs a new password and invalidates the cached
// authentication, forcing a fresh login on the next call. Used by
// WatchPasswordFile when the credential file rotates.
func (c *RPCClient) SetPassword(password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if password == c.password {
		return
	}
	c.password = password
	c.uid = 0
}

func (c *RPCClient) ListModels(ctx context.Context) (map[string]ModelSummary, error) {
	raw, err := c.executeKw(ctx, "ir.model", "search_read", []any{Domain{}}, map[string]any{
		"fields": []string{"model", "name", "transient"},
		"order":  "model asc",
	})
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Model     string `json:"model"`
		Name      string `json:"name"`
		Transient bool   `json:"transient"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode ir.model rows: %w", err)
	}
	models := make(map[string]ModelSummary, len(rows))
	for _, row := range rows {
		models[row.Model] = ModelSummary{
			Name:        row.Model,
			DisplayName: row.Name,
			Transient:   row.Transient,
		}
	}
	return models, nil
}

func (c *RPCClient) ModelMetadata(ctx context.Context, model string) (map[string]any, error) {
	domain := Domain{[]any{"model", "=", model}}
	raw, err := c.executeKw(ctx, "ir.model", "search_read", []any{domain}, map[string]any{
		"fields": metadataFields,
		"limit":  1,
	})
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode ir.model rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("model not found: %s", model)
	}
	return rows[0], nil
}

func (c *RPCClient) ModelFields(ctx context.Context, model string) (map[string]map[string]any, error) {
	raw, err := c.executeKw(ctx, model, "fields_get", []any{}, map[string]any{
		"attributes": fieldAttributes,
	})
	if err != nil {
		return nil, err
	}
	var fields map[string]map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode fields_get result: %w", err)
	}
	return fields, nil
}

func (c *RPCClient) ReadRecords(ctx context.Context, model string, ids []int64, fields []string) ([]map[string]any, error) {
	kwargs := map[string]any{}
	if fields != nil {
		kwargs["fields"] = fields
	}
	raw, err := c.executeKw(ctx, model, "read", []any{ids}, kwargs)
	if err != nil {
		return nil, err
	}
	var records []map[string]any
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode read result: %w", err)
	}
	return records, nil
}

func (c *RPCClient) Count(ctx context.Context, model string, domain Domain) (int64, error) {
	raw, err := c.executeKw(ctx, model, "search_count", []any{domain.orEmpty()}, nil)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("decode search_count result: %w", err)
	}
	return n, nil
}

func (c *RPCClient) CallMethod(ctx context.Context, model, method string, domain Domain, options map[string]any) (any, error) {
	raw, err := c.executeKw(ctx, model, method, []any{domain.orEmpty()}, options)
	if err != nil {
		return nil, err
	}
	var result any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return result, nil
}

// executeKw frames an object.execute_kw call with the cached authentication.
func (c *RPCClient) executeKw(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	uid, password, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	callArgs := []any{c.db, uid, password, model, method, args}
	if len(kwargs) > 0 {
		callArgs = append(callArgs, kwargs)
	}

	ctx = logctx.WithRemoteCall(ctx, &logctx.RemoteCallData{Model: model, Method: method})
	started := time.Now()
	raw, err := c.rpc(ctx, "object", "execute_kw", callArgs)
	if err != nil {
		c.log.DebugContext(ctx, "odoo.execute_kw.err",
			slog.Int64("dur_ms", time.Since(started).Milliseconds()),
			slog.String("err", err.Error()))
		return nil, err
	}
	c.log.DebugContext(ctx, "odoo.execute_kw.ok",
		slog.Int64("dur_ms", time.Since(started).Milliseconds()))
	return raw, nil
}

// session returns a consistent (uid, password) pair, logging in if no
// authentication is cached for the current password.
func (c *RPCClient) session(ctx context.Context) (int64, string, error) {
	c.mu.Lock()
	uid, password := c.uid, c.password
	c.mu.Unlock()
	if uid != 0 {
		return uid, password, nil
	}

	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	// Another caller may have logged in while we waited.
	c.mu.Lock()
	uid, password = c.uid, c.password
	c.mu.Unlock()
	if uid != 0 {
		return uid, password, nil
	}

	uid, err := c.login(ctx, password)
	if err != nil {
		return 0, "", err
	}

	c.mu.Lock()
	// Discard the result if the password rotated mid-login; the next call
	// authenticates against the new credential.
	if c.password == password {
		c.uid = uid
	}
	c.mu.Unlock()

	c.log.InfoContext(ctx, "odoo.login.ok",
		slog.String("db", c.db),
		slog.String("username", c.username),
		slog.Int64("uid", uid))
	return uid, password, nil
}

func (c *RPCClient) login(ctx context.Context, password string) (int64, error) {
	raw, err := c.rpc(ctx, "common", "login", []any{c.db, c.username, password})
	if err != nil {
		return 0, err
	}
	// The server answers false rather than a fault on bad credentials.
	var uid int64
	if err := json.Unmarshal(raw, &uid); err != nil || uid <= 0 {
		return 0, &RemoteError{Message: fmt.Sprintf("authentication failed for user %q on database %q", c.username, c.db)}
	}
	return uid, nil
}

// rpcParams is the Odoo /jsonrpc params wrapper.
type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

// rpc performs one JSON-RPC round trip against the /jsonrpc endpoint.
func (c *RPCClient) rpc(ctx context.Context, service, method string, args []any) (json.RawMessage, error) {
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(c.reqID.Add(1)), "call", rpcParams{
		Service: service,
		Method:  method,
		Args:    args,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s.%s request: %w", service, method, err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s.%s request: %w", service, method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s.%s request: %w", service, method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", service, method, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("call %s.%s: unexpected status %d", service, method, httpResp.StatusCode)
	}

	var resp jsonrpc.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode %s.%s response: %w", service, method, err)
	}
	if resp.Error != nil {
		return nil, &RemoteError{Code: int(resp.Error.Code), Message: faultMessage(resp.Error)}
	}
	return resp.Result, nil
}

// faultMessage extracts the human-readable fault text: the server puts the
// exception message under error.data.message and a generic banner at the
// top level.
func faultMessage(e *jsonrpc.Error) string {
	if data, ok := e.Data.(map[string]any); ok {
		if msg, ok := data["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return e.Message
}
