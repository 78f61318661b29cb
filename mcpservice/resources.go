package mcpservice

import (
	"context"
	"fmt"

	"github.com/ibrohimislam/mcp-odoo/mcp"
	"github.com/ibrohimislam/mcp-odoo/sessions"
)

// Function-backed resources capability for resource sets computed per call,
// such as listings backed by an external system.

type (
	ListResourcesFunc         func(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Resource], error)
	ListResourceTemplatesFunc func(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.ResourceTemplate], error)
	ReadResourceFunc          func(ctx context.Context, session sessions.Session, uri string) ([]mcp.ResourceContents, error)
)

// DynamicResourcesOption configures NewDynamicResources.
type DynamicResourcesOption func(*dynamicResources)

type dynamicResources struct {
	listFn    ListResourcesFunc
	listTplFn ListResourceTemplatesFunc
	readFn    ReadResourceFunc
	subCap    ResourceSubscriptionCapability
	changeSub ChangeSubscriber
}

// NewDynamicResources builds a ResourcesCapability from functions. Nil list
// functions yield empty pages; a nil read function rejects every URI.
func NewDynamicResources(opts ...DynamicResourcesOption) ResourcesCapability {
	dr := &dynamicResources{}
	for _, opt := range opts {
		opt(dr)
	}
	return dr
}

// WithResourcesListFunc sets the resource listing function.
func WithResourcesListFunc(fn ListResourcesFunc) DynamicResourcesOption {
	return func(d *dynamicResources) { d.listFn = fn }
}

// WithResourcesListTemplatesFunc sets the template listing function.
func WithResourcesListTemplatesFunc(fn ListResourceTemplatesFunc) DynamicResourcesOption {
	return func(d *dynamicResources) { d.listTplFn = fn }
}

// WithResourcesReadFunc sets the read function.
func WithResourcesReadFunc(fn ReadResourceFunc) DynamicResourcesOption {
	return func(d *dynamicResources) { d.readFn = fn }
}

// WithResourcesSubscriptionCapability enables per-URI subscriptions.
func WithResourcesSubscriptionCapability(cap ResourceSubscriptionCapability) DynamicResourcesOption {
	return func(d *dynamicResources) { d.subCap = cap }
}

// WithResourcesChangeSubscriber enables listChanged notifications.
func WithResourcesChangeSubscriber(sub ChangeSubscriber) DynamicResourcesOption {
	return func(d *dynamicResources) { d.changeSub = sub }
}

func (d *dynamicResources) ListResources(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Resource], error) {
	if d.listFn == nil {
		return NewPage[mcp.Resource](nil), nil
	}
	return d.listFn(ctx, session, cursor)
}

func (d *dynamicResources) ListResourceTemplates(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.ResourceTemplate], error) {
	if d.listTplFn == nil {
		return NewPage[mcp.ResourceTemplate](nil), nil
	}
	return d.listTplFn(ctx, session, cursor)
}

func (d *dynamicResources) ReadResource(ctx context.Context, session sessions.Session, uri string) ([]mcp.ResourceContents, error) {
	if d.readFn == nil {
		return nil, fmt.Errorf("resource not found: %s", uri)
	}
	return d.readFn(ctx, session, uri)
}

func (d *dynamicResources) GetSubscriptionCapability(ctx context.Context, session sessions.Session) (ResourceSubscriptionCapability, bool, error) {
	if d.subCap == nil {
		return nil, false, nil
	}
	return d.subCap, true, nil
}

func (d *dynamicResources) GetListChangedCapability(ctx context.Context, session sessions.Session) (ResourceListChangedCapability, bool, error) {
	if d.changeSub == nil {
		return nil, false, nil
	}
	return resourceListChangedFromSubscriber{sub: d.changeSub}, true, nil
}

// resourceListChangedFromSubscriber adapts a ChangeSubscriber to
// ResourceListChangedCapability.
type resourceListChangedFromSubscriber struct{ sub ChangeSubscriber }

func (r resourceListChangedFromSubscriber) Register(ctx context.Context, session sessions.Session, fn NotifyResourceChangeFunc) (bool, error) {
	if fn == nil {
		return false, nil
	}
	return pumpChanges(ctx, r.sub, func() { fn(ctx, session, "") }), nil
}
