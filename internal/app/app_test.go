package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samotage/headspace/internal/config"
	"github.com/samotage/headspace/internal/correlator"
	"github.com/samotage/headspace/internal/lifecycle"
	"github.com/samotage/headspace/internal/models"
	"github.com/samotage/headspace/internal/notify"
	"github.com/samotage/headspace/internal/state"
	"github.com/samotage/headspace/internal/store"
)

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	home := filepath.Join(dir, "home")
	repo := filepath.Join(home, "api")
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".git"), 0755))

	cfg := config.Default(filepath.Join(dir, "state"))
	a, err := Open(context.Background(), cfg, nil,
		WithNotifier(notify.Nop{}),
		WithPaneCheckers(nil, nil),
		WithRootResolver(&correlator.RootResolver{Markers: correlator.DefaultMarkers, Home: home}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, repo
}

func TestHandleTurn_Flow(t *testing.T) {
	a, repo := newTestApp(t)
	ctx := context.Background()
	sess := correlator.Request{SessionID: "sess-1", WorkingDirectory: repo}

	first, err := a.HandleTurn(ctx, TurnRequest{Session: sess, Actor: models.ActorUser, Text: "Fix the login bug"})
	require.NoError(t, err)
	assert.True(t, first.Correlation.IsNew)
	assert.Equal(t, models.TaskStateCommanded, first.Result.Task.State)

	second, err := a.HandleTurn(ctx, TurnRequest{Session: sess, Actor: models.ActorAgent, Text: "Should I also rotate the session key?"})
	require.NoError(t, err)
	assert.Equal(t, correlator.MethodCache, second.Correlation.Method)
	assert.Equal(t, first.Agent.ID, second.Agent.ID)
	assert.Equal(t, models.TaskStateAwaitingInput, second.Result.Task.State)
}

func TestHandleTurn_InvalidTransition(t *testing.T) {
	a, repo := newTestApp(t)
	ctx := context.Background()

	res, err := a.HandleTurn(ctx, TurnRequest{
		Session: correlator.Request{SessionID: "sess-1", WorkingDirectory: repo},
		Actor:   models.ActorAgent,
		Text:    "Should I start?",
	})
	assert.ErrorIs(t, err, state.ErrInvalidTransition)
	require.NotNil(t, res)
	assert.NotNil(t, res.Agent, "agent is still correlated")
}

func TestHandleTurn_Validation(t *testing.T) {
	a, repo := newTestApp(t)
	_, err := a.HandleTurn(context.Background(), TurnRequest{
		Session: correlator.Request{SessionID: "sess-1", WorkingDirectory: repo},
		Actor:   models.ActorUser,
		Text:    "   ",
	})
	assert.ErrorIs(t, err, lifecycle.ErrValidation)
}

func TestHandleTurn_AgentEndedWhileWaitingOnLock(t *testing.T) {
	a, repo := newTestApp(t)
	ctx := context.Background()
	sess := correlator.Request{SessionID: "sess-1", WorkingDirectory: repo}

	first, err := a.HandleTurn(ctx, TurnRequest{Session: sess, Actor: models.ActorUser, Text: "Fix the login bug"})
	require.NoError(t, err)
	id := first.Agent.ID

	// Hold the lock the way the reaper does while it ends the agent.
	release, err := a.Locks.Lock(ctx, id)
	require.NoError(t, err)

	type outcome struct {
		res *TurnResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := a.HandleTurn(ctx, TurnRequest{Session: sess, Actor: models.ActorUser, Text: "Add a regression test"})
		done <- outcome{res, err}
	}()
	require.Eventually(t, func() bool { return a.Locks.Refs(id) == 2 }, time.Second, time.Millisecond,
		"callback correlated and is waiting on the lock")

	agent, err := a.Store.GetAgent(ctx, id)
	require.NoError(t, err)
	require.NoError(t, a.Lifecycle.EndAgent(ctx, agent, models.EndReasonInactivityTimeout))
	release()

	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callback never acquired the lock")
	}
	assert.ErrorIs(t, got.err, lifecycle.ErrValidation)

	_, err = a.Store.GetOpenTask(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound, "no task is left open on the ended agent")
}

func TestEndSession(t *testing.T) {
	a, repo := newTestApp(t)
	ctx := context.Background()
	sess := correlator.Request{SessionID: "sess-1", WorkingDirectory: repo}

	first, err := a.HandleTurn(ctx, TurnRequest{Session: sess, Actor: models.ActorUser, Text: "Fix the login bug"})
	require.NoError(t, err)

	line, err := json.Marshal(map[string]any{
		"type":      "assistant",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"message":   map[string]any{"role": "assistant", "content": "Reading the auth handler."},
	})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "sess-1.jsonl")
	require.NoError(t, os.WriteFile(path, line, 0644))

	agent, rec, err := a.EndSession(ctx, sess, correlator.Hints{TranscriptPath: path})
	require.NoError(t, err)
	assert.Len(t, rec.Created, 1, "unterminated final line is consumed")
	assert.False(t, agent.Active())
	assert.Equal(t, models.EndReasonSessionEnd, agent.EndReason)

	task, err := a.Store.GetTask(ctx, first.Result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateComplete, task.State)
	assert.Equal(t, 0, a.Cache.Len())
	assert.Equal(t, 0, a.Locks.Len())
}

func TestReconcileAgent(t *testing.T) {
	a, repo := newTestApp(t)
	ctx := context.Background()

	corr, err := a.StartSession(ctx, correlator.Request{SessionID: "sess-1", WorkingDirectory: repo}, correlator.Hints{TmuxPane: "%4"})
	require.NoError(t, err)
	assert.Equal(t, "%4", corr.Agent.TmuxPane)

	res, err := a.ReconcileAgent(ctx, corr.Agent.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Created)

	_, err = a.ReconcileAgent(ctx, "missing")
	assert.Error(t, err)
}
