package correlator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samotage/headspace/internal/models"
	"github.com/samotage/headspace/internal/store"
)

type testEnv struct {
	store *store.SQLiteStore
	c     *Correlator
	repo  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	home := t.TempDir()
	repo := filepath.Join(home, "api")
	mkdirs(t, filepath.Join(repo, ".git"), filepath.Join(repo, "internal"))

	return &testEnv{
		store: s,
		c:     New(s, nil, testResolver(home), nil, nil),
		repo:  repo,
	}
}

func TestCorrelate_CreatesThenCaches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.c.Correlate(ctx, Request{SessionID: "sess-1", WorkingDirectory: filepath.Join(env.repo, "internal")})
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	assert.Equal(t, MethodCreated, first.Method)
	assert.Equal(t, "sess-1", first.Agent.ClaudeSessionID)
	assert.NotEmpty(t, first.Agent.SessionUUID)

	p, err := env.store.GetProject(ctx, first.Agent.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, env.repo, p.Path)
	assert.Equal(t, "api", p.Name)

	// The cache ignores the working directory.
	second, err := env.c.Correlate(ctx, Request{SessionID: "sess-1", WorkingDirectory: "/somewhere/else"})
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, MethodCache, second.Method)
	assert.Equal(t, first.Agent.ID, second.Agent.ID)

	evs, err := env.store.ListEvents(ctx, store.EventFilter{AgentID: first.Agent.ID, EventType: models.EventAgentCreated})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestCorrelate_SessionIDAfterCacheLoss(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.c.Correlate(ctx, Request{SessionID: "sess-1", WorkingDirectory: env.repo})
	require.NoError(t, err)
	env.c.Cache().Clear()

	again, err := env.c.Correlate(ctx, Request{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, MethodSessionID, again.Method)
	assert.Equal(t, first.Agent.ID, again.Agent.ID)
}

func TestCorrelate_StableIDBackfills(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := &models.Project{Name: "api", Path: env.repo}
	require.NoError(t, env.store.CreateProject(ctx, p))
	a := &models.Agent{SessionUUID: "launcher-uuid", ProjectID: p.ID, WorkingDirectory: env.repo, ClaudeSessionID: "old-sess"}
	require.NoError(t, env.store.CreateAgent(ctx, a))

	corr, err := env.c.Correlate(ctx, Request{SessionID: "new-sess", StableID: "launcher-uuid"})
	require.NoError(t, err)
	assert.Equal(t, MethodStableID, corr.Method)
	assert.Equal(t, a.ID, corr.Agent.ID)

	got, err := env.store.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-sess", got.ClaudeSessionID)
}

func TestCorrelate_ClaimsUnclaimedAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := &models.Project{Name: "api", Path: env.repo}
	require.NoError(t, env.store.CreateProject(ctx, p))
	older := &models.Agent{SessionUUID: "u-old", ProjectID: p.ID, StartedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, env.store.CreateAgent(ctx, older))
	newer := &models.Agent{SessionUUID: "u-new", ProjectID: p.ID}
	require.NoError(t, env.store.CreateAgent(ctx, newer))

	corr, err := env.c.Correlate(ctx, Request{SessionID: "sess-9", WorkingDirectory: filepath.Join(env.repo, ".claude")})
	require.NoError(t, err)
	assert.Equal(t, MethodProjectRoot, corr.Method)
	assert.Equal(t, newer.ID, corr.Agent.ID, "most recent unclaimed agent")
	assert.False(t, corr.IsNew)

	got, err := env.store.GetAgent(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-9", got.ClaudeSessionID)
	assert.Equal(t, filepath.Join(env.repo, ".claude"), got.WorkingDirectory)
}

func TestCorrelate_EndedAgentNotResurrected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.c.Correlate(ctx, Request{SessionID: "sess-1", WorkingDirectory: env.repo, StableID: "stable-1"})
	require.NoError(t, err)
	assert.Equal(t, "stable-1", first.Agent.SessionUUID)

	now := time.Now().UTC()
	first.Agent.EndedAt = &now
	first.Agent.EndReason = models.EndReasonSessionEnd
	require.NoError(t, env.store.UpdateAgent(ctx, first.Agent))

	again, err := env.c.Correlate(ctx, Request{SessionID: "sess-1", WorkingDirectory: env.repo, StableID: "stable-1"})
	require.NoError(t, err)
	assert.True(t, again.IsNew)
	assert.NotEqual(t, first.Agent.ID, again.Agent.ID)
	assert.NotEqual(t, "stable-1", again.Agent.SessionUUID, "uuid already taken")
	assert.Equal(t, first.Agent.ProjectID, again.Agent.ProjectID)
}

func TestCorrelate_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.c.Correlate(ctx, Request{SessionID: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = env.c.Correlate(ctx, Request{SessionID: "sess-1"})
	assert.ErrorIs(t, err, ErrUnresolvable)

	c := New(env.store, nil, NewRootResolver(), nil, nil)
	_, err = c.Correlate(ctx, Request{SessionID: "sess-2", WorkingDirectory: "/tmp"})
	assert.ErrorIs(t, err, ErrUnresolvable)
	assert.ErrorIs(t, err, ErrNonProjectPath)

	agents, err := env.store.ListAgents(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, agents, "no silent fallback agent")
}

func TestObserve(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	corr, err := env.c.Correlate(ctx, Request{SessionID: "sess-1", WorkingDirectory: env.repo})
	require.NoError(t, err)
	agent := corr.Agent
	require.NoError(t, env.store.UpdateTranscriptOffset(ctx, agent.ID, 512))

	require.NoError(t, env.c.Observe(ctx, agent, Hints{TranscriptPath: "/t/a.jsonl", TmuxPane: "%3"}))
	assert.Equal(t, "/t/a.jsonl", agent.TranscriptPath)
	assert.Equal(t, int64(0), agent.TranscriptOffset)
	assert.Equal(t, "%3", agent.TmuxPane)

	require.NoError(t, env.store.UpdateTranscriptOffset(ctx, agent.ID, 100))
	require.NoError(t, env.c.Observe(ctx, agent, Hints{TranscriptPath: "/t/a.jsonl", WindowPane: "w1"}))

	got, err := env.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.TranscriptOffset, "same path keeps the offset")
	assert.Equal(t, "w1", got.WindowPane)
	assert.Equal(t, "%3", got.TmuxPane)
}
