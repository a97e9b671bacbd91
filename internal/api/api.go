// Package api receives agent hook callbacks over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/samotage/headspace/internal/app"
	"github.com/samotage/headspace/internal/correlator"
	"github.com/samotage/headspace/internal/lifecycle"
	"github.com/samotage/headspace/internal/models"
	"github.com/samotage/headspace/internal/state"
	"github.com/samotage/headspace/internal/store"
)

// maxBodyBytes caps a hook request body.
const maxBodyBytes = 8 << 20

// Server provides the hook and control handlers.
type Server struct {
	app    *app.App
	sem    *semaphore.Weighted
	logger *zap.Logger
}

// NewServer creates a new API server. workers bounds how many callbacks are
// processed at once; waiting requests queue until their context ends.
func NewServer(a *app.App, workers int, logger *zap.Logger) *Server {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		app:    a,
		sem:    semaphore.NewWeighted(int64(workers)),
		logger: logger.Named("api"),
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /hook/session-start", s.pooled(s.sessionStart))
	mux.HandleFunc("POST /hook/user-prompt-submit", s.pooled(s.userPromptSubmit))
	mux.HandleFunc("POST /hook/stop", s.pooled(s.stop))
	mux.HandleFunc("POST /hook/notification", s.pooled(s.notification))
	mux.HandleFunc("POST /hook/session-end", s.pooled(s.sessionEnd))

	mux.HandleFunc("GET /api/v1/agents", s.listAgents)
	mux.HandleFunc("POST /api/v1/agents/{id}/reconcile", s.reconcileAgent)
	mux.HandleFunc("POST /api/v1/reap", s.reap)
	mux.HandleFunc("GET /api/v1/health", s.health)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrValidation), errors.Is(err, correlator.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, correlator.ErrUnresolvable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		s.logger.Info("request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

// pooled runs h once a worker slot is free.
func (s *Server) pooled(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.sem.Acquire(r.Context(), 1); err != nil {
			writeError(w, http.StatusServiceUnavailable, "server busy")
			return
		}
		defer s.sem.Release(1)
		h(w, r)
	}
}

// hookPayload is the JSON body sent by the agent hooks. The headspace_*
// and pane fields are added by the launcher's hook script.
type hookPayload struct {
	SessionID            string `json:"session_id"`
	TranscriptPath       string `json:"transcript_path"`
	Cwd                  string `json:"cwd"`
	HookEventName        string `json:"hook_event_name"`
	Prompt               string `json:"prompt"`
	Message              string `json:"message"`
	LastAssistantMessage string `json:"last_assistant_message"`
	StableID             string `json:"headspace_session_id"`
	TmuxPane             string `json:"tmux_pane"`
	WindowPane           string `json:"window_pane"`
}

func (p hookPayload) session() correlator.Request {
	return correlator.Request{SessionID: p.SessionID, WorkingDirectory: p.Cwd, StableID: p.StableID}
}

func (p hookPayload) hints() correlator.Hints {
	return correlator.Hints{TranscriptPath: p.TranscriptPath, TmuxPane: p.TmuxPane, WindowPane: p.WindowPane}
}

func decodeHook(w http.ResponseWriter, r *http.Request) (hookPayload, error) {
	var p hookPayload
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		return p, fmt.Errorf("%w: invalid JSON: %v", correlator.ErrInvalidRequest, err)
	}
	return p, nil
}

// agentView is the JSON shape of an agent.
type agentView struct {
	ID               string     `json:"id"`
	SessionUUID      string     `json:"session_uuid"`
	ClaudeSessionID  string     `json:"claude_session_id,omitempty"`
	ProjectID        string     `json:"project_id"`
	WorkingDirectory string     `json:"working_directory"`
	TranscriptPath   string     `json:"transcript_path,omitempty"`
	TmuxPane         string     `json:"tmux_pane,omitempty"`
	WindowPane       string     `json:"window_pane,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	LastSeenAt       time.Time  `json:"last_seen_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	EndReason        string     `json:"end_reason,omitempty"`
}

func toAgentView(a *models.Agent) agentView {
	return agentView{
		ID:               a.ID,
		SessionUUID:      a.SessionUUID,
		ClaudeSessionID:  a.ClaudeSessionID,
		ProjectID:        a.ProjectID,
		WorkingDirectory: a.WorkingDirectory,
		TranscriptPath:   a.TranscriptPath,
		TmuxPane:         a.TmuxPane,
		WindowPane:       a.WindowPane,
		StartedAt:        a.StartedAt,
		LastSeenAt:       a.LastSeenAt,
		EndedAt:          a.EndedAt,
		EndReason:        string(a.EndReason),
	}
}

// turnResponse is returned by the turn-carrying hooks.
type turnResponse struct {
	AgentID    string  `json:"agent_id"`
	Method     string  `json:"method"`
	TaskID     string  `json:"task_id,omitempty"`
	State      string  `json:"state,omitempty"`
	TurnID     string  `json:"turn_id,omitempty"`
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	NewTask    bool    `json:"new_task"`
}

func toTurnResponse(res *app.TurnResult) turnResponse {
	out := turnResponse{AgentID: res.Agent.ID, Method: string(res.Correlation.Method)}
	if r := res.Result; r != nil {
		out.TurnID = r.TurnID
		out.Intent = string(r.Intent.Intent)
		out.Confidence = r.Intent.Confidence
		out.NewTask = r.NewTaskCreated
		if r.Task != nil {
			out.TaskID = r.Task.ID
			out.State = string(r.Task.State)
		}
	}
	return out
}

// --- Hooks ---

func (s *Server) sessionStart(w http.ResponseWriter, r *http.Request) {
	p, err := decodeHook(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	corr, err := s.app.StartSession(r.Context(), p.session(), p.hints())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": corr.Agent.ID,
		"method":   corr.Method,
		"is_new":   corr.IsNew,
	})
}

func (s *Server) userPromptSubmit(w http.ResponseWriter, r *http.Request) {
	p, err := decodeHook(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.turn(w, r, p, models.ActorUser, p.Prompt)
}

// notification carries agent-side text such as permission requests.
func (s *Server) notification(w http.ResponseWriter, r *http.Request) {
	p, err := decodeHook(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.turn(w, r, p, models.ActorAgent, p.Message)
}

// stop records the agent's final message when the hook carries it;
// otherwise the transcript is reconciled to pick it up.
func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	p, err := decodeHook(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if p.LastAssistantMessage != "" {
		s.turn(w, r, p, models.ActorAgent, p.LastAssistantMessage)
		return
	}

	corr, err := s.app.StartSession(r.Context(), p.session(), p.hints())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.app.Reconciler.Reconcile(r.Context(), corr.Agent)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": corr.Agent.ID, "reconcile": res})
}

func (s *Server) turn(w http.ResponseWriter, r *http.Request, p hookPayload, actor models.Actor, text string) {
	res, err := s.app.HandleTurn(r.Context(), app.TurnRequest{
		Session: p.session(),
		Hints:   p.hints(),
		Actor:   actor,
		Text:    text,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTurnResponse(res))
}

func (s *Server) sessionEnd(w http.ResponseWriter, r *http.Request) {
	p, err := decodeHook(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	agent, rec, err := s.app.EndSession(r.Context(), p.session(), p.hints())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": toAgentView(agent), "reconcile": rec})
}

// --- Control ---

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	var (
		agents []*models.Agent
		err    error
	)
	if r.URL.Query().Get("all") == "true" {
		agents, err = s.app.Store.ListAgents(r.Context(), 0)
	} else {
		agents, err = s.app.Store.ListActiveAgents(r.Context())
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, toAgentView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) reconcileAgent(w http.ResponseWriter, r *http.Request) {
	res, err := s.app.ReconcileAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) reap(w http.ResponseWriter, r *http.Request) {
	report, err := s.app.Reaper.ReapOnce(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	agents, err := s.app.Store.ListActiveAgents(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "active_agents": len(agents)})
}
