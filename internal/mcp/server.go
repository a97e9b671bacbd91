// Package mcp exposes headspace operations as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/samotage/headspace/internal/app"
	"github.com/samotage/headspace/internal/correlator"
	"github.com/samotage/headspace/internal/models"
	"github.com/samotage/headspace/internal/state"
)

// Server wraps the runtime and exposes it as MCP tools.
type Server struct {
	app     *app.App
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(a *app.App, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{app: a, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("headspace", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.processTurnTool())
	srv.AddTool(s.reconcileTool())
	srv.AddTool(s.reapTool())
	srv.AddTool(s.listAgentsTool())
	srv.AddTool(s.classifyTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// headspace_process_turn
func (s *Server) processTurnTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("headspace_process_turn",
		mcp.WithDescription("Record one turn for a session. Resolves (or creates) the session's agent, classifies the text and applies the task state transition. Returns the agent, task state and classified intent."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Per-process session id")),
		mcp.WithString("actor", mcp.Required(), mcp.Description("Who produced the text"), mcp.Enum("user", "agent")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Turn text")),
		mcp.WithString("cwd", mcp.Description("Working directory, used when the session is not known yet")),
		mcp.WithString("stable_id", mcp.Description("Launcher-supplied durable session id")),
	)
	return tool, s.handleProcessTurn
}

func (s *Server) handleProcessTurn(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	actor, err := request.RequireString("actor")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: actor"), nil
	}
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: text"), nil
	}

	res, err := s.app.HandleTurn(ctx, app.TurnRequest{
		Session: correlator.Request{
			SessionID:        sessionID,
			WorkingDirectory: request.GetString("cwd", ""),
			StableID:         request.GetString("stable_id", ""),
		},
		Actor: models.Actor(actor),
		Text:  text,
	})
	if err != nil {
		var ite *state.InvalidTransitionError
		if errors.As(err, &ite) {
			return mcp.NewToolResultError(fmt.Sprintf("rejected: %v", err)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to process turn: %v", err)), nil
	}

	type turnOut struct {
		AgentID    string  `json:"agent_id"`
		Method     string  `json:"method"`
		TaskID     string  `json:"task_id"`
		State      string  `json:"state"`
		TurnID     string  `json:"turn_id"`
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
		Pattern    string  `json:"pattern,omitempty"`
	}
	r := res.Result
	return jsonResult(turnOut{
		AgentID:    res.Agent.ID,
		Method:     string(res.Correlation.Method),
		TaskID:     r.Task.ID,
		State:      string(r.Task.State),
		TurnID:     r.TurnID,
		Intent:     string(r.Intent.Intent),
		Confidence: r.Intent.Confidence,
		Pattern:    r.Intent.MatchedPattern,
	})
}

// headspace_reconcile
func (s *Server) reconcileTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("headspace_reconcile",
		mcp.WithDescription("Reconcile an agent's transcript against its recorded turns. Returns corrected timestamps and created turn ids, or status \"busy\" when a pass is already running."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent ID")),
	)
	return tool, s.handleReconcile
}

func (s *Server) handleReconcile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := request.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: agent_id"), nil
	}
	res, err := s.app.ReconcileAgent(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to reconcile: %v", err)), nil
	}
	return jsonResult(res)
}

// headspace_reap
func (s *Server) reapTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("headspace_reap",
		mcp.WithDescription("Run one liveness sweep over active agents and end the ones whose process is gone."),
	)
	return tool, s.handleReap
}

func (s *Server) handleReap(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := s.app.Reaper.ReapOnce(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to reap: %v", err)), nil
	}
	return jsonResult(report)
}

// headspace_list_agents
func (s *Server) listAgentsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("headspace_list_agents",
		mcp.WithDescription("List agents with their open task state. Only active agents unless all is true."),
		mcp.WithBoolean("all", mcp.Description("Include ended agents")),
	)
	return tool, s.handleListAgents
}

func (s *Server) handleListAgents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		agents []*models.Agent
		err    error
	)
	if request.GetBool("all", false) {
		agents, err = s.app.Store.ListAgents(ctx, 0)
	} else {
		agents, err = s.app.Store.ListActiveAgents(ctx)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list agents: %v", err)), nil
	}

	type agentOut struct {
		ID               string `json:"id"`
		SessionUUID      string `json:"session_uuid"`
		WorkingDirectory string `json:"working_directory"`
		State            string `json:"state"`
		TaskID           string `json:"task_id,omitempty"`
		LastSeenAt       string `json:"last_seen_at"`
		EndReason        string `json:"end_reason,omitempty"`
	}

	out := make([]agentOut, len(agents))
	for i, a := range agents {
		out[i] = agentOut{
			ID:               a.ID,
			SessionUUID:      a.SessionUUID,
			WorkingDirectory: a.WorkingDirectory,
			State:            string(models.TaskStateIdle),
			LastSeenAt:       a.LastSeenAt.Format(time.RFC3339),
			EndReason:        string(a.EndReason),
		}
		if t, err := s.app.Store.GetOpenTask(ctx, a.ID); err == nil {
			out[i].State = string(t.State)
			out[i].TaskID = t.ID
		}
	}
	return jsonResult(out)
}

// headspace_classify
func (s *Server) classifyTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("headspace_classify",
		mcp.WithDescription("Classify text without recording it. Returns the intent, confidence and matched pattern."),
		mcp.WithString("actor", mcp.Required(), mcp.Description("Who produced the text"), mcp.Enum("user", "agent")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Text to classify")),
		mcp.WithString("state", mcp.Description("Current task state (default: processing)"),
			mcp.Enum("idle", "commanded", "processing", "awaiting_input")),
	)
	return tool, s.handleClassify
}

func (s *Server) handleClassify(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, err := request.RequireString("actor")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: actor"), nil
	}
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: text"), nil
	}
	a := models.Actor(actor)
	if !a.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("invalid actor: %s", actor)), nil
	}
	current := models.TaskState(request.GetString("state", string(models.TaskStateProcessing)))
	if !current.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("invalid state: %s", current)), nil
	}

	r := s.app.Detector.Detect(ctx, a, text, current)
	out := map[string]any{
		"intent":     r.Intent,
		"confidence": r.Confidence,
		"pattern":    r.MatchedPattern,
	}
	if tr, err := state.Lookup(current, a, r.Intent); err == nil {
		out["next_state"] = tr.To
	}
	return jsonResult(out)
}
