package mcpservice

import (
	"context"
	"fmt"

	"github.com/ibrohimislam/mcp-odoo/mcp"
	"github.com/ibrohimislam/mcp-odoo/sessions"
)

// Function-backed tools capability for servers whose tool surface is computed
// per call rather than held in a container.

// ListToolsFunc returns one page of tools for the session.
type ListToolsFunc func(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error)

// CallToolFunc executes a tool invocation.
type CallToolFunc func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// DynamicToolsOption configures NewDynamicTools.
type DynamicToolsOption func(*dynamicTools)

type dynamicTools struct {
	listFn    ListToolsFunc
	callFn    CallToolFunc
	changeSub ChangeSubscriber
}

// NewDynamicTools builds a ToolsCapability from functions. A nil list
// function yields an empty page; a nil call function rejects every call with
// a not-found error.
func NewDynamicTools(opts ...DynamicToolsOption) ToolsCapability {
	dt := &dynamicTools{}
	for _, opt := range opts {
		opt(dt)
	}
	return dt
}

// WithToolsListFn sets the listing function.
func WithToolsListFn(fn ListToolsFunc) DynamicToolsOption {
	return func(d *dynamicTools) { d.listFn = fn }
}

// WithToolsCallFn sets the invocation function.
func WithToolsCallFn(fn CallToolFunc) DynamicToolsOption {
	return func(d *dynamicTools) { d.callFn = fn }
}

// WithToolsChangeSubscriber enables listChanged notifications.
func WithToolsChangeSubscriber(sub ChangeSubscriber) DynamicToolsOption {
	return func(d *dynamicTools) { d.changeSub = sub }
}

func (d *dynamicTools) ListTools(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error) {
	if d.listFn == nil {
		return NewPage[mcp.Tool](nil), nil
	}
	return d.listFn(ctx, session, cursor)
}

func (d *dynamicTools) CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("invalid tool request: missing name")
	}
	if d.callFn == nil {
		return nil, fmt.Errorf("tool not found: %s", req.Name)
	}
	return d.callFn(ctx, session, req)
}

func (d *dynamicTools) GetListChangedCapability(ctx context.Context, session sessions.Session) (ToolListChangedCapability, bool, error) {
	if d.changeSub == nil {
		return nil, false, nil
	}
	return toolsListChangedFromSubscriber{sub: d.changeSub}, true, nil
}

// toolsListChangedFromSubscriber adapts a ChangeSubscriber to
// ToolListChangedCapability.
type toolsListChangedFromSubscriber struct{ sub ChangeSubscriber }

func (t toolsListChangedFromSubscriber) Register(ctx context.Context, session sessions.Session, fn NotifyToolsListChangedFunc) (bool, error) {
	if fn == nil {
		return false, nil
	}
	return pumpChanges(ctx, t.sub, func() { fn(ctx, session) }), nil
}
