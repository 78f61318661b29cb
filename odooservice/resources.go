package odooservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ibrohimislam/mcp-odoo/mcp"
	"github.com/ibrohimislam/mcp-odoo/mcpservice"
	"github.com/ibrohimislam/mcp-odoo/odoo"
	"github.com/ibrohimislam/mcp-odoo/sessions"
)

// searchResourceLimit caps odoo://search results; resources are meant for
// browsing, search_read is the tool for real queries.
const searchResourceLimit = 10

func (s *Service) resourcesCapability() mcpservice.ResourcesCapability {
	return mcpservice.NewDynamicResources(
		mcpservice.WithResourcesListFunc(s.listResources),
		mcpservice.WithResourcesListTemplatesFunc(s.listResourceTemplates),
		mcpservice.WithResourcesReadFunc(s.readResource),
		mcpservice.WithResourcesChangeSubscriber(&s.resourceNotifier),
	)
}

func (s *Service) listResources(ctx context.Context, _ sessions.Session, cursor *string) (mcpservice.Page[mcp.Resource], error) {
	return mcpservice.NewPage([]mcp.Resource{{
		URI:         "odoo://models",
		Name:        "models",
		Description: "All models accessible to the authenticated user.",
		MimeType:    "application/json",
	}}), nil
}

func (s *Service) listResourceTemplates(ctx context.Context, _ sessions.Session, cursor *string) (mcpservice.Page[mcp.ResourceTemplate], error) {
	return mcpservice.NewPage([]mcp.ResourceTemplate{
		{
			URITemplate: "odoo://model/{model_name}",
			Name:        "model",
			Description: "Metadata and field schema of one model.",
			MimeType:    "application/json",
		},
		{
			URITemplate: "odoo://record/{model_name}/{record_id}",
			Name:        "record",
			Description: "One record, addressed by model and id.",
			MimeType:    "application/json",
		},
		{
			URITemplate: "odoo://search/{model_name}/{domain}",
			Name:        "search",
			Description: fmt.Sprintf("Records matching a URL-encoded JSON domain (first %d).", searchResourceLimit),
			MimeType:    "application/json",
		},
	}), nil
}

func (s *Service) readResource(ctx context.Context, _ sessions.Session, uri string) ([]mcp.ResourceContents, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "odoo" {
		return nil, fmt.Errorf("resource not found: %s", uri)
	}
	rest := strings.TrimPrefix(u.Path, "/")

	var value any
	switch u.Host {
	case "models":
		value, err = s.client.ListModels(ctx)
	case "model":
		if rest == "" {
			return nil, fmt.Errorf("resource not found: %s", uri)
		}
		value, err = s.modelInfo(ctx, rest)
	case "record":
		value, err = s.readRecordResource(ctx, rest)
	case "search":
		value, err = s.searchResource(ctx, rest)
	default:
		return nil, fmt.Errorf("resource not found: %s", uri)
	}
	if err != nil {
		return nil, err
	}

	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode resource %s: %w", uri, err)
	}
	return []mcp.ResourceContents{{
		URI:      uri,
		MimeType: "application/json",
		Text:     string(raw),
	}}, nil
}

func (s *Service) readRecordResource(ctx context.Context, rest string) (any, error) {
	model, idPart, ok := strings.Cut(rest, "/")
	if !ok || model == "" {
		return nil, fmt.Errorf("record resource needs model_name/record_id, got %q", rest)
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid record id %q", idPart)
	}
	records, err := s.client.ReadRecords(ctx, model, []int64{id}, nil)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("record not found: %s ID %d", model, id)
	}
	return records[0], nil
}

func (s *Service) searchResource(ctx context.Context, rest string) (any, error) {
	model, domainPart, _ := strings.Cut(rest, "/")
	if model == "" {
		return nil, fmt.Errorf("search resource needs model_name/domain, got %q", rest)
	}
	// The domain arrives URL-decoded; it is handed to the server verbatim.
	domain, err := odoo.ParseDomain(domainPart)
	if err != nil {
		return nil, err
	}
	return s.client.CallMethod(ctx, model, "search_read", domain, map[string]any{
		"limit": searchResourceLimit,
	})
}
