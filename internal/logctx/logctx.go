// Package logctx enriches slog records with request, session, rpc and
// remote-call attributes carried in the context. Each layer of the stack
// attaches its own data value; the Handler folds whichever are present into
// grouped attributes on every record.
package logctx

import (
	"context"
	"log/slog"

	"github.com/ibrohimislam/mcp-odoo/sessions"
)

type (
	requestDataKey    struct{}
	sessionDataKey    struct{}
	rpcMsgKey         struct{}
	toolCallDataKey   struct{}
	remoteCallDataKey struct{}
)

// RequestData describes the inbound HTTP request.
type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func (d *RequestData) group() slog.Attr {
	return slog.Group("req",
		slog.String("id", d.RequestID),
		slog.String("method", d.Method),
		slog.String("user_agent", d.UserAgent),
		slog.String("remote_addr", d.RemoteAddr),
		slog.String("path", d.Path),
	)
}

// SessionData identifies the protocol session serving the work.
type SessionData struct {
	SessionID       string
	UserID          string
	ProtocolVersion string
	State           sessions.SessionState
}

func (d *SessionData) group() slog.Attr {
	return slog.Group("sess",
		slog.String("id", d.SessionID),
		slog.String("user_id", d.UserID),
		slog.String("protocol_version", d.ProtocolVersion),
		slog.String("state", string(d.State)),
	)
}

// RPCMessage identifies the JSON-RPC message being processed.
type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func (d *RPCMessage) group() slog.Attr {
	return slog.Group("rpc",
		slog.String("method", d.Method),
		slog.String("id", d.ID),
		slog.String("type", d.Type),
	)
}

// ToolCallData names the tool an invocation dispatched to.
type ToolCallData struct {
	ToolName string
}

func (d *ToolCallData) group() slog.Attr {
	return slog.Group("tool", slog.String("name", d.ToolName))
}

// RemoteCallData names the Odoo model/method pair of an in-flight remote call.
type RemoteCallData struct {
	Model  string
	Method string
}

func (d *RemoteCallData) group() slog.Attr {
	return slog.Group("odoo",
		slog.String("model", d.Model),
		slog.String("method", d.Method),
	)
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}

func WithToolCallData(ctx context.Context, data *ToolCallData) context.Context {
	return context.WithValue(ctx, toolCallDataKey{}, data)
}

func WithRemoteCall(ctx context.Context, data *RemoteCallData) context.Context {
	return context.WithValue(ctx, remoteCallDataKey{}, data)
}

// Handler wraps another slog.Handler and prepends context-carried groups.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if d, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(d.group())
	}
	if d, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(d.group())
	}
	if d, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(d.group())
	}
	if d, ok := ctx.Value(toolCallDataKey{}).(*ToolCallData); ok {
		r.AddAttrs(d.group())
	}
	if d, ok := ctx.Value(remoteCallDataKey{}).(*RemoteCallData); ok {
		r.AddAttrs(d.group())
	}
	return h.Handler.Handle(ctx, r)
}
