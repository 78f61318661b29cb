package odooservice

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ibrohimislam/mcp-odoo/mcp"
	"github.com/ibrohimislam/mcp-odoo/mcpservice"
	"github.com/ibrohimislam/mcp-odoo/sessions"
)

func (s *Service) promptDefs() []mcpservice.StaticPrompt {
	return []mcpservice.StaticPrompt{
		{
			Descriptor: mcp.Prompt{
				Name:        "explore-models",
				Description: "Survey the database: walk the model catalog and drill into the interesting models.",
			},
			Handler: s.exploreModelsPrompt,
		},
		{
			Descriptor: mcp.Prompt{
				Name:        "inspect-record",
				Description: "Fetch one record and summarize it.",
				Arguments: []mcp.PromptArgument{
					{Name: "model_name", Description: "Technical model name, e.g. res.partner.", Required: true},
					{Name: "record_id", Description: "Numeric id of the record.", Required: true},
				},
			},
			Handler: s.inspectRecordPrompt,
		},
	}
}

func (s *Service) exploreModelsPrompt(ctx context.Context, _ sessions.Session, _ *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error) {
	text := "Explore this Odoo database. Call list_models to see what is available, " +
		"pick the models most relevant to the business (customers, sales, invoices, products), " +
		"call model_info on each to learn their fields, and finish with a short written " +
		"overview of the data model. Every tool answers with an envelope; check its success " +
		"flag before reading result."
	return &mcp.GetPromptResult{
		Description: "Guided tour of the available models.",
		Messages: []mcp.PromptMessage{{
			Role:    mcp.RoleUser,
			Content: []mcp.ContentBlock{{Type: "text", Text: text}},
		}},
	}, nil
}

func (s *Service) inspectRecordPrompt(ctx context.Context, _ sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error) {
	model := promptArg(req, "model_name")
	id := promptArg(req, "record_id")
	if model == "" || id == "" {
		return nil, fmt.Errorf("prompt inspect-record requires model_name and record_id")
	}
	text := fmt.Sprintf("Call get_record with model_name=%q and record_id=%s. "+
		"If the envelope reports success, summarize the record's key fields in plain language; "+
		"use model_info on %q to decode selection values and relations. "+
		"If it reports a failure, explain the error to the user.", model, id, model)
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Inspect %s record %s.", model, id),
		Messages: []mcp.PromptMessage{{
			Role:    mcp.RoleUser,
			Content: []mcp.ContentBlock{{Type: "text", Text: text}},
		}},
	}, nil
}

// promptArg reads a prompt argument as its string form; numbers come back
// as their literal text.
func promptArg(req *mcp.GetPromptRequestReceived, name string) string {
	if req == nil {
		return ""
	}
	raw, ok := req.Arguments[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
