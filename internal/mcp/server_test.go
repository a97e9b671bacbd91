package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samotage/headspace/internal/app"
	"github.com/samotage/headspace/internal/config"
	"github.com/samotage/headspace/internal/correlator"
	"github.com/samotage/headspace/internal/notify"
)

func newTestServer(t *testing.T) (*Server, *app.App, string) {
	t.Helper()
	dir := t.TempDir()
	home := filepath.Join(dir, "home")
	repo := filepath.Join(home, "api")
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".git"), 0o755))

	a, err := app.Open(context.Background(), config.Default(filepath.Join(dir, "state")), nil,
		app.WithNotifier(notify.Nop{}),
		app.WithPaneCheckers(nil, nil),
		app.WithRootResolver(&correlator.RootResolver{Markers: correlator.DefaultMarkers, Home: home}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return NewServer(a, "test"), a, repo
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

func TestNewServer(t *testing.T) {
	srv, _, _ := newTestServer(t)
	require.NotNil(t, srv.MCPServer())
}

func TestHandleProcessTurn(t *testing.T) {
	srv, _, repo := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleProcessTurn(ctx, callToolReq("headspace_process_turn", map[string]any{
		"session_id": "sess-1", "cwd": repo, "actor": "user", "text": "Fix the login bug",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out struct {
		AgentID string `json:"agent_id"`
		State   string `json:"state"`
		Intent  string `json:"intent"`
		Method  string `json:"method"`
	}
	resultJSON(t, result, &out)
	assert.NotEmpty(t, out.AgentID)
	assert.Equal(t, "commanded", out.State)
	assert.Equal(t, "command", out.Intent)
	assert.Equal(t, "created", out.Method)

	result, err = srv.handleProcessTurn(ctx, callToolReq("headspace_process_turn", map[string]any{
		"session_id": "sess-1", "actor": "agent", "text": "Done. The login bug is fixed.",
	}))
	require.NoError(t, err)
	resultJSON(t, result, &out)
	assert.Equal(t, "complete", out.State)
}

func TestHandleProcessTurn_Errors(t *testing.T) {
	srv, _, repo := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleProcessTurn(ctx, callToolReq("headspace_process_turn", map[string]any{"actor": "user", "text": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "session_id")

	result, err = srv.handleProcessTurn(ctx, callToolReq("headspace_process_turn", map[string]any{
		"session_id": "s", "cwd": repo, "actor": "agent", "text": "Should I start?",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "rejected")
}

func TestHandleListAgents(t *testing.T) {
	srv, _, repo := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleListAgents(ctx, callToolReq("headspace_list_agents", nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, result))

	_, err = srv.handleProcessTurn(ctx, callToolReq("headspace_process_turn", map[string]any{
		"session_id": "sess-1", "cwd": repo, "actor": "user", "text": "Fix the login bug",
	}))
	require.NoError(t, err)

	result, err = srv.handleListAgents(ctx, callToolReq("headspace_list_agents", map[string]any{"all": true}))
	require.NoError(t, err)
	var agents []struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	resultJSON(t, result, &agents)
	require.Len(t, agents, 1)
	assert.Equal(t, "commanded", agents[0].State)
}

func TestHandleReconcileAndReap(t *testing.T) {
	srv, a, repo := newTestServer(t)
	ctx := context.Background()

	corr, err := a.StartSession(ctx, correlator.Request{SessionID: "sess-1", WorkingDirectory: repo}, correlator.Hints{})
	require.NoError(t, err)

	result, err := srv.handleReconcile(ctx, callToolReq("headspace_reconcile", map[string]any{"agent_id": corr.Agent.ID}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), `"status":"ok"`)

	result, err = srv.handleReconcile(ctx, callToolReq("headspace_reconcile", map[string]any{"agent_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = srv.handleReap(ctx, callToolReq("headspace_reap", nil))
	require.NoError(t, err)
	var report struct {
		Checked int `json:"checked"`
	}
	resultJSON(t, result, &report)
	assert.Equal(t, 1, report.Checked)
}

func TestHandleClassify(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleClassify(ctx, callToolReq("headspace_classify", map[string]any{
		"actor": "agent", "text": "Would you like me to add tests as well?",
	}))
	require.NoError(t, err)
	var out map[string]any
	resultJSON(t, result, &out)
	assert.Equal(t, "question", out["intent"])
	assert.Equal(t, "awaiting_input", out["next_state"])

	result, err = srv.handleClassify(ctx, callToolReq("headspace_classify", map[string]any{
		"actor": "robot", "text": "hi",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = srv.handleClassify(ctx, callToolReq("headspace_classify", map[string]any{
		"actor": "user", "text": "hi", "state": "sleeping",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
