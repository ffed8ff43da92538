package tools

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wagnerlima/mapeo-server/internal/observation"
)

// ObservationTools holds references needed by observation tool handlers.
type ObservationTools struct {
	Service *observation.Service
}

// --- Input types ---

type ListObservationsInput struct {
	Filter string `json:"filter,omitempty" jsonschema:"Optional boolean expression over observation fields, e.g. tags.category == \"river\""`
}

type ObservationIDInput struct {
	ID string `json:"id" jsonschema:"Observation id"`
}

type CreateObservationInput struct {
	Observation map[string]any `json:"observation" jsonschema:"Observation document; type must be \"observation\""`
}

type UpdateObservationInput struct {
	ID          string         `json:"id" jsonschema:"Observation id"`
	Observation map[string]any `json:"observation" jsonschema:"New observation document including id and the version it replaces"`
}

// --- Handlers ---

func (t *ObservationTools) ListObservations(ctx context.Context, _ *mcp.CallToolRequest, input ListObservationsInput) (*mcp.CallToolResult, any, error) {
	out, err := t.Service.List(ctx, input.Filter)
	if err != nil {
		return toolFailure(err)
	}
	return toolJSON(out)
}

func (t *ObservationTools) GetObservation(ctx context.Context, _ *mcp.CallToolRequest, input ObservationIDInput) (*mcp.CallToolResult, any, error) {
	if input.ID == "" {
		return toolError("id is required"), nil, nil
	}
	out, err := t.Service.Get(ctx, input.ID)
	if err != nil {
		return toolFailure(err)
	}
	return toolJSON(out)
}

func (t *ObservationTools) CreateObservation(ctx context.Context, _ *mcp.CallToolRequest, input CreateObservationInput) (*mcp.CallToolResult, any, error) {
	payload, err := json.Marshal(input.Observation)
	if err != nil {
		return toolError("Failed to encode observation: %v", err), nil, nil
	}
	out, err := t.Service.Create(ctx, payload)
	if err != nil {
		return toolFailure(err)
	}
	return toolJSON(out)
}

func (t *ObservationTools) UpdateObservation(ctx context.Context, _ *mcp.CallToolRequest, input UpdateObservationInput) (*mcp.CallToolResult, any, error) {
	payload, err := json.Marshal(input.Observation)
	if err != nil {
		return toolError("Failed to encode observation: %v", err), nil, nil
	}
	out, err := t.Service.Update(ctx, input.ID, payload)
	if err != nil {
		return toolFailure(err)
	}
	return toolJSON(out)
}

func (t *ObservationTools) DeleteObservation(ctx context.Context, _ *mcp.CallToolRequest, input ObservationIDInput) (*mcp.CallToolResult, any, error) {
	if input.ID == "" {
		return toolError("id is required"), nil, nil
	}
	if err := t.Service.Delete(ctx, input.ID); err != nil {
		return toolFailure(err)
	}
	return toolJSON(map[string]bool{"deleted": true})
}

func (t *ObservationTools) ConvertObservation(ctx context.Context, _ *mcp.CallToolRequest, input ObservationIDInput) (*mcp.CallToolResult, any, error) {
	if input.ID == "" {
		return toolError("id is required"), nil, nil
	}
	id, err := t.Service.Convert(ctx, input.ID)
	if err != nil {
		return toolFailure(err)
	}
	return toolJSON(map[string]string{"id": id})
}
