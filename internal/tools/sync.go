package tools

import (
	"context"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wagnerlima/mapeo-server/internal/models"
	"github.com/wagnerlima/mapeo-server/internal/syncer"
)

// SyncTools holds references needed by sync tool handlers.
type SyncTools struct {
	Orchestrator *syncer.Orchestrator
}

type SyncToTargetInput struct {
	Filename string `json:"filename,omitempty" jsonschema:"Archive file to sync with"`
	Host     string `json:"host,omitempty" jsonschema:"Peer host, used with port when no filename is given"`
	Port     int    `json:"port,omitempty" jsonschema:"Peer replication port"`
}

func (t *SyncTools) Announce(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	if err := t.Orchestrator.Announce(ctx); err != nil {
		return toolFailure(err)
	}
	return toolText("Announcing on the local network"), nil, nil
}

func (t *SyncTools) Unannounce(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	if err := t.Orchestrator.Unannounce(ctx); err != nil {
		return toolFailure(err)
	}
	return toolText("Stopped announcing"), nil, nil
}

func (t *SyncTools) Targets(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	return toolJSON(t.Orchestrator.Targets())
}

// SyncToTarget runs a session to completion and returns every
// notification it produced. A session ending in replication-error is
// reported as a tool error.
func (t *SyncTools) SyncToTarget(ctx context.Context, _ *mcp.CallToolRequest, input SyncToTargetInput) (*mcp.CallToolResult, any, error) {
	var (
		mu    sync.Mutex
		notes []models.Notification
	)
	err := t.Orchestrator.Replicate(ctx, models.SyncTarget{
		Filename: input.Filename,
		Host:     input.Host,
		Port:     input.Port,
	}, func(n models.Notification) error {
		mu.Lock()
		defer mu.Unlock()
		notes = append(notes, n)
		return nil
	})
	if err != nil {
		return toolFailure(err)
	}
	res, _, _ := toolJSON(notes)
	if n := len(notes); n > 0 && notes[n-1].Topic == syncer.TopicError {
		res.IsError = true
	}
	return res, nil, nil
}
