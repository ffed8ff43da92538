package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/wagnerlima/mapeo-server/internal/models"
	"github.com/wagnerlima/mapeo-server/internal/observation"
	"github.com/wagnerlima/mapeo-server/internal/replication"
	"github.com/wagnerlima/mapeo-server/internal/server"
	"github.com/wagnerlima/mapeo-server/internal/storage"
	"github.com/wagnerlima/mapeo-server/internal/syncer"
)

// setupIntegration creates a real MCP server with in-memory transport and returns a connected client session
// plus the scratch directory backing it.
func setupIntegration(t *testing.T) (*mcp.ClientSession, string, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "mapeo-integration-*")
	if err != nil {
		t.Fatal(err)
	}

	store, err := storage.Open(filepath.Join(dir, "store.db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}

	engine := replication.New(store, replication.Config{
		DeviceID:   "integration-device",
		DeviceName: "integration",
		SyncAddr:   "127.0.0.1:0",
	}, zerolog.Nop())
	orch := syncer.New(engine, zerolog.Nop())
	srv := server.New(observation.NewService(store, zerolog.Nop()), orch)

	closeAll := func() {
		orch.Close()
		engine.Close()
		store.Close()
		os.RemoveAll(dir)
	}

	ctx := context.Background()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()

	_, err = srv.Connect(ctx, serverTransport, nil)
	if err != nil {
		closeAll()
		t.Fatalf("server connect: %v", err)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		closeAll()
		t.Fatalf("client connect: %v", err)
	}

	cleanup := func() {
		session.Close()
		closeAll()
	}
	return session, dir, cleanup
}

// callTool is a helper that calls a tool and returns the text content.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	}
	if result.IsError {
		t.Fatalf("CallTool(%s) returned error: %s", name, tc.Text)
	}
	return tc.Text
}

// callToolExpectError calls a tool and expects an error response (IsError=true).
func callToolExpectError(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): protocol error: %v", name, err)
	}
	if !result.IsError {
		tc := result.Content[0].(*mcp.TextContent)
		t.Fatalf("CallTool(%s): expected error but got success: %s", name, tc.Text)
	}
	tc := result.Content[0].(*mcp.TextContent)
	return tc.Text
}

func TestIntegration_ListTools(t *testing.T) {
	session, _, cleanup := setupIntegration(t)
	defer cleanup()

	result, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	expectedTools := []string{
		"list_observations", "get_observation", "create_observation",
		"update_observation", "delete_observation", "convert_observation",
		"sync_announce", "sync_unannounce", "sync_targets", "sync_to_target",
	}

	toolNames := make(map[string]bool)
	for _, tool := range result.Tools {
		toolNames[tool.Name] = true
	}

	for _, name := range expectedTools {
		if !toolNames[name] {
			t.Errorf("Missing tool: %s", name)
		}
	}

	if len(result.Tools) != len(expectedTools) {
		t.Errorf("Expected %d tools, got %d", len(expectedTools), len(result.Tools))
	}
}

func TestIntegration_ObservationWorkflow(t *testing.T) {
	session, _, cleanup := setupIntegration(t)
	defer cleanup()

	// Step 1: create
	text := callTool(t, session, "create_observation", map[string]any{
		"observation": map[string]any{
			"type": "observation",
			"lat":  -3.1,
			"lon":  -60.0,
			"tags": map[string]any{"category": "river"},
		},
	})
	var created models.Record
	if err := json.Unmarshal([]byte(text), &created); err != nil {
		t.Fatalf("parse create_observation: %v", err)
	}
	id, _ := created.String("id")
	version, _ := created.String("version")
	if id == "" || version == "" {
		t.Fatalf("create_observation should return id and version, got %s", text)
	}

	// Step 2: get returns the single head
	text = callTool(t, session, "get_observation", map[string]any{"id": id})
	var heads []models.Record
	if err := json.Unmarshal([]byte(text), &heads); err != nil {
		t.Fatalf("parse get_observation: %v", err)
	}
	if len(heads) != 1 || heads[0]["version"] != version {
		t.Fatalf("get_observation = %s, want one head at %s", text, version)
	}

	// Step 3: update from the current version
	text = callTool(t, session, "update_observation", map[string]any{
		"id": id,
		"observation": map[string]any{
			"id":      id,
			"version": version,
			"type":    "observation",
			"lat":     -3.2,
			"lon":     -60.1,
			"tags":    map[string]any{"category": "lake"},
		},
	})
	var updated models.Record
	if err := json.Unmarshal([]byte(text), &updated); err != nil {
		t.Fatalf("parse update_observation: %v", err)
	}
	if updated["version"] == version {
		t.Error("update_observation should produce a new version")
	}

	// Step 4: updating from the superseded version is rejected
	text = callToolExpectError(t, session, "update_observation", map[string]any{
		"id": id,
		"observation": map[string]any{
			"id":      id,
			"version": version,
			"type":    "observation",
		},
	})
	if !strings.HasPrefix(text, "NoVersion") {
		t.Errorf("stale update error = %q, want NoVersion", text)
	}

	// Step 5: filtered list
	text = callTool(t, session, "list_observations", map[string]any{
		"filter": `tags.category == "lake"`,
	})
	var listed []models.Record
	if err := json.Unmarshal([]byte(text), &listed); err != nil {
		t.Fatalf("parse list_observations: %v", err)
	}
	if len(listed) != 1 || listed[0]["id"] != id {
		t.Errorf("filtered list = %s, want only %s", text, id)
	}

	// Step 6: convert twice yields the same element
	first := callTool(t, session, "convert_observation", map[string]any{"id": id})
	second := callTool(t, session, "convert_observation", map[string]any{"id": id})
	if first != second {
		t.Errorf("convert_observation not idempotent: %s then %s", first, second)
	}

	// Step 7: delete
	callTool(t, session, "delete_observation", map[string]any{"id": id})
	text = callTool(t, session, "list_observations", nil)
	if err := json.Unmarshal([]byte(text), &listed); err != nil {
		t.Fatalf("parse list_observations: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("list after delete = %s, want empty", text)
	}
}

func TestIntegration_CreateRejectsWrongType(t *testing.T) {
	session, _, cleanup := setupIntegration(t)
	defer cleanup()

	text := callToolExpectError(t, session, "create_observation", map[string]any{
		"observation": map[string]any{"type": "node"},
	})
	if !strings.Contains(text, "InvalidFields") {
		t.Errorf("error = %q, want InvalidFields", text)
	}
}

func TestIntegration_SyncToTarget(t *testing.T) {
	session, dir, cleanup := setupIntegration(t)
	defer cleanup()

	callTool(t, session, "create_observation", map[string]any{
		"observation": map[string]any{"type": "observation"},
	})

	text := callToolExpectError(t, session, "sync_to_target", nil)
	if !strings.Contains(text, "Requires filename or host and port") {
		t.Errorf("usage error = %q", text)
	}

	text = callTool(t, session, "sync_to_target", map[string]any{
		"filename": filepath.Join(dir, "archive.db"),
	})
	var notes []models.Notification
	if err := json.Unmarshal([]byte(text), &notes); err != nil {
		t.Fatalf("parse sync_to_target: %v", err)
	}
	if len(notes) < 2 {
		t.Fatalf("expected at least started and complete, got %s", text)
	}
	if notes[0].Topic != syncer.TopicStarted {
		t.Errorf("first topic = %q, want %q", notes[0].Topic, syncer.TopicStarted)
	}
	if last := notes[len(notes)-1].Topic; last != syncer.TopicComplete {
		t.Errorf("last topic = %q, want %q", last, syncer.TopicComplete)
	}

	archive, err := storage.Open(filepath.Join(dir, "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer archive.Close()
	revs, err := archive.Revisions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(revs) != 1 {
		t.Errorf("archive holds %d revisions, want 1", len(revs))
	}
}

func TestIntegration_SyncTargetsEmpty(t *testing.T) {
	session, _, cleanup := setupIntegration(t)
	defer cleanup()

	text := callTool(t, session, "sync_targets", nil)
	if strings.TrimSpace(text) != "[]" {
		t.Errorf("sync_targets = %q, want []", text)
	}
}
