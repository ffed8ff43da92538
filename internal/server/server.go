package server

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wagnerlima/mapeo-server/internal/observation"
	"github.com/wagnerlima/mapeo-server/internal/syncer"
	"github.com/wagnerlima/mapeo-server/internal/tools"
)

// New creates a fully configured MCP server with all tools registered.
func New(obs *observation.Service, orch *syncer.Orchestrator) *mcp.Server {
	ot := &tools.ObservationTools{Service: obs}
	st := &tools.SyncTools{Orchestrator: orch}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "mapeo-server",
		Version: "0.1.0",
	}, nil)

	// Observation tools
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_observations",
		Description: "List the current version of every observation, optionally filtered by an expression",
	}, ot.ListObservations)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_observation",
		Description: "Get every head version of one observation (more than one means unresolved concurrent edits)",
	}, ot.GetObservation)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "create_observation",
		Description: "Create a new observation",
	}, ot.CreateObservation)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "update_observation",
		Description: "Replace an observation version with a new one; fails with NoVersion if that version is stale",
	}, ot.UpdateObservation)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "delete_observation",
		Description: "Delete an observation and its history",
	}, ot.DeleteObservation)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "convert_observation",
		Description: "Create a map element from an observation, or return the one already linked to it",
	}, ot.ConvertObservation)

	// Sync tools
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "sync_announce",
		Description: "Make this device discoverable to peers on the local network",
	}, st.Announce)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "sync_unannounce",
		Description: "Stop announcing this device",
	}, st.Unannounce)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "sync_targets",
		Description: "List peers currently visible on the local network",
	}, st.Targets)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "sync_to_target",
		Description: "Replicate with an archive file (filename) or a peer (host and port) and return the progress notifications",
	}, st.SyncToTarget)

	return srv
}
