package mcpservice

import (
	"context"

	"github.com/ibrohimislam/mcp-odoo/mcp"
	"github.com/ibrohimislam/mcp-odoo/sessions"
)

// ServerCapabilities is the surface the protocol engine probes, per session,
// to decide what it advertises and how it dispatches requests.
//
// Discovery methods return (value, ok, err). ok == false means the capability
// is absent for this session; err is reserved for failures while determining
// support. Returned capability values must be safe for concurrent use.
type ServerCapabilities interface {
	// GetServerInfo returns the implementation info surfaced in initialize
	// results. It may be called repeatedly and should be cheap.
	GetServerInfo(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, error)

	// GetPreferredProtocolVersion returns the server's preferred protocol
	// version. When ok is false the engine negotiates from the client's
	// requested version.
	GetPreferredProtocolVersion(ctx context.Context) (version string, ok bool, err error)

	// GetInstructions returns optional human-readable guidance included in
	// the initialize result. ok=false omits the field.
	GetInstructions(ctx context.Context, session sessions.Session) (instructions string, ok bool, err error)

	GetResourcesCapability(ctx context.Context, session sessions.Session) (cap ResourcesCapability, ok bool, err error)
	GetToolsCapability(ctx context.Context, session sessions.Session) (cap ToolsCapability, ok bool, err error)
	GetPromptsCapability(ctx context.Context, session sessions.Session) (cap PromptsCapability, ok bool, err error)
	GetLoggingCapability(ctx context.Context, session sessions.Session) (cap LoggingCapability, ok bool, err error)
}

// ToolsCapability is the server's tool surface: listing and invocation.
type ToolsCapability interface {
	// ListTools returns one page of tool descriptors. A nil cursor requests
	// the first page; NextCursor is set when more data is available.
	ListTools(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error)

	// CallTool invokes a named tool. Input validation failures should be
	// reported inside the CallToolResult (IsError=true) rather than as a
	// transport error.
	CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

	// GetListChangedCapability reports whether tool list change
	// notifications are available for this session.
	GetListChangedCapability(ctx context.Context, session sessions.Session) (cap ToolListChangedCapability, ok bool, err error)
}

// NotifyToolsListChangedFunc is invoked when the tool set changes.
// Implementations may coalesce rapid changes.
type NotifyToolsListChangedFunc func(ctx context.Context, session sessions.Session)

// ToolListChangedCapability registers a callback for tool list changes.
// Register must be idempotent per (session, fn) pair and stop delivering when
// ctx is canceled.
type ToolListChangedCapability interface {
	Register(ctx context.Context, session sessions.Session, fn NotifyToolsListChangedFunc) (ok bool, err error)
}

// ResourcesCapability is the server's resource surface.
type ResourcesCapability interface {
	// ListResources returns one page of resource descriptors.
	ListResources(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Resource], error)

	// ListResourceTemplates returns one page of URI templates.
	ListResourceTemplates(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.ResourceTemplate], error)

	// ReadResource returns the contents behind a resource URI. Unknown URIs
	// should produce a descriptive error.
	ReadResource(ctx context.Context, session sessions.Session, uri string) ([]mcp.ResourceContents, error)

	// GetSubscriptionCapability reports whether per-URI subscriptions are
	// supported; the engine advertises "subscribe" accordingly.
	GetSubscriptionCapability(ctx context.Context, session sessions.Session) (cap ResourceSubscriptionCapability, ok bool, err error)

	// GetListChangedCapability reports whether resource list change
	// notifications are available; the engine advertises "listChanged"
	// accordingly.
	GetListChangedCapability(ctx context.Context, session sessions.Session) (cap ResourceListChangedCapability, ok bool, err error)
}

// NotifyResourceChangeFunc signals that the resource set changed. uri names
// the changed resource when known; the empty string indicates a general list
// change.
type NotifyResourceChangeFunc func(ctx context.Context, session sessions.Session, uri string)

// ResourceSubscriptionCapability adds per-URI update subscriptions. Both
// methods must be idempotent for the same (session, uri) pair.
type ResourceSubscriptionCapability interface {
	Subscribe(ctx context.Context, session sessions.Session, uri string) error
	Unsubscribe(ctx context.Context, session sessions.Session, uri string) error
}

// ResourceListChangedCapability registers a callback for resource list
// changes. Register must be idempotent per (session, fn) pair and stop
// delivering when ctx is canceled.
type ResourceListChangedCapability interface {
	Register(ctx context.Context, session sessions.Session, fn NotifyResourceChangeFunc) (ok bool, err error)
}

// PromptsCapability is the server's prompt template surface.
type PromptsCapability interface {
	// ListPrompts returns one page of prompt descriptors.
	ListPrompts(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Prompt], error)

	// GetPrompt materializes the named prompt with the given arguments.
	GetPrompt(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error)

	// GetListChangedCapability reports whether prompt list change
	// notifications are available for this session.
	GetListChangedCapability(ctx context.Context, session sessions.Session) (cap PromptListChangedCapability, ok bool, err error)
}

// NotifyPromptsListChangedFunc is invoked when the prompt set changes.
type NotifyPromptsListChangedFunc func(ctx context.Context, session sessions.Session)

// PromptListChangedCapability registers a callback for prompt list changes.
type PromptListChangedCapability interface {
	Register(ctx context.Context, session sessions.Session, fn NotifyPromptsListChangedFunc) (ok bool, err error)
}

// LoggingCapability lets the client adjust the server's log level.
// Implementations decide the scope (process-wide or per-session).
type LoggingCapability interface {
	SetLevel(ctx context.Context, session sessions.Session, level mcp.LoggingLevel) error
}
