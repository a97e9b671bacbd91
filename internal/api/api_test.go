package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samotage/headspace/internal/app"
	"github.com/samotage/headspace/internal/config"
	"github.com/samotage/headspace/internal/correlator"
	"github.com/samotage/headspace/internal/notify"
)

func setupTestServer(t *testing.T) (*Server, *app.App, string) {
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

	return NewServer(a, 2, nil), a, repo
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest("POST", path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHooks_PromptThenQuestion(t *testing.T) {
	srv, _, repo := setupTestServer(t)
	router := srv.Router()

	w := post(t, router, "/hook/user-prompt-submit", map[string]string{
		"session_id": "sess-1", "cwd": repo, "prompt": "Fix the login bug",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var first turnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Equal(t, "commanded", first.State)
	assert.Equal(t, "command", first.Intent)
	assert.True(t, first.NewTask)
	assert.Equal(t, "created", first.Method)

	w = post(t, router, "/hook/notification", map[string]string{
		"session_id": "sess-1", "message": "Claude needs your permission to use Bash",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var second turnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, first.AgentID, second.AgentID)
	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Equal(t, "question", second.Intent)
}

func TestHooks_ErrorMapping(t *testing.T) {
	srv, _, repo := setupTestServer(t)
	router := srv.Router()

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"bad json", "/hook/user-prompt-submit", "{not json", http.StatusBadRequest},
		{"missing session", "/hook/user-prompt-submit", map[string]string{"cwd": repo, "prompt": "hi"}, http.StatusBadRequest},
		{"blank prompt", "/hook/user-prompt-submit", map[string]string{"session_id": "s", "cwd": repo, "prompt": "  "}, http.StatusBadRequest},
		{"unresolvable", "/hook/session-start", map[string]string{"session_id": "s2"}, http.StatusUnprocessableEntity},
		{"invalid transition", "/hook/notification", map[string]string{"session_id": "s3", "cwd": repo, "message": "Should I continue?"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, router, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestHooks_SessionEnd(t *testing.T) {
	srv, a, repo := setupTestServer(t)
	router := srv.Router()

	w := post(t, router, "/hook/user-prompt-submit", map[string]string{
		"session_id": "sess-1", "cwd": repo, "prompt": "Fix the login bug",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var turn turnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &turn))

	w = post(t, router, "/hook/session-end", map[string]string{"session_id": "sess-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out struct {
		Agent agentView `json:"agent"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "session_end", out.Agent.EndReason)
	assert.NotNil(t, out.Agent.EndedAt)

	task, err := a.Store.GetTask(context.Background(), turn.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "complete", string(task.State))
}

func TestHooks_StopReconcilesTranscript(t *testing.T) {
	srv, _, repo := setupTestServer(t)
	router := srv.Router()

	w := post(t, router, "/hook/user-prompt-submit", map[string]string{
		"session_id": "sess-1", "cwd": repo, "prompt": "Fix the login bug",
	})
	require.Equal(t, http.StatusOK, w.Code)

	path := filepath.Join(t.TempDir(), "sess-1.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"assistant","message":{"role":"assistant","content":"Done. The login bug is fixed."}}`+"\n"), 0o644))

	w = post(t, router, "/hook/stop", map[string]string{"session_id": "sess-1", "transcript_path": path})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out struct {
		Reconcile struct {
			Status  string   `json:"status"`
			Created []string `json:"created"`
		} `json:"reconcile"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "ok", out.Reconcile.Status)
	assert.Len(t, out.Reconcile.Created, 1)
}

func TestHooks_StopWithMessage(t *testing.T) {
	srv, _, repo := setupTestServer(t)
	router := srv.Router()

	post(t, router, "/hook/user-prompt-submit", map[string]string{"session_id": "s", "cwd": repo, "prompt": "Fix the login bug"})
	w := post(t, router, "/hook/stop", map[string]string{"session_id": "s", "last_assistant_message": "Reading the auth handler."})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out turnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "processing", out.State)
}

func TestControlEndpoints(t *testing.T) {
	srv, _, repo := setupTestServer(t)
	router := srv.Router()

	w := post(t, router, "/hook/session-start", map[string]string{"session_id": "sess-1", "cwd": repo, "tmux_pane": "%1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var started struct {
		AgentID string `json:"agent_id"`
		IsNew   bool   `json:"is_new"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	assert.True(t, started.IsNew)

	req := httptest.NewRequest("GET", "/api/v1/agents", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var agents []agentView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "%1", agents[0].TmuxPane)

	w = post(t, router, "/api/v1/agents/"+started.AgentID+"/reconcile", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = post(t, router, "/api/v1/agents/nope/reconcile", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = post(t, router, "/api/v1/reap", "")
	require.Equal(t, http.StatusOK, w.Code)
	var report struct {
		Checked      int `json:"checked"`
		SkippedGrace int `json:"skipped_grace"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.SkippedGrace)

	req = httptest.NewRequest("GET", "/api/v1/health", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"active_agents":1`)
}

func TestPooled_ContextCanceled(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	require.True(t, srv.sem.TryAcquire(2))
	defer srv.sem.Release(2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("POST", "/hook/session-start", bytes.NewBufferString(`{}`)).WithContext(ctx)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
