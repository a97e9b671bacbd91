// Package correlator maps hook session ids to persistent agents.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/samotage/headspace/internal/events"
	"github.com/samotage/headspace/internal/models"
	"github.com/samotage/headspace/internal/store"
)

var (
	// ErrInvalidRequest is wrapped when a request carries no session id.
	ErrInvalidRequest = errors.New("invalid correlation request")
	// ErrUnresolvable is wrapped when no strategy can produce an agent.
	ErrUnresolvable = errors.New("cannot resolve agent")
)

// Method names the strategy that resolved a request.
type Method string

const (
	MethodCache       Method = "cache"
	MethodSessionID   Method = "session_id"
	MethodStableID    Method = "stable_id"
	MethodProjectRoot Method = "project_root"
	MethodCreated     Method = "created"
)

// Request identifies the session behind a callback.
type Request struct {
	SessionID        string
	WorkingDirectory string
	// StableID is a durable id supplied by the launcher. It matches an
	// agent's session uuid.
	StableID string
}

// Correlation is a resolved agent.
type Correlation struct {
	Agent  *models.Agent
	IsNew  bool
	Method Method
}

// Hints are optional agent attributes reported alongside a callback.
type Hints struct {
	TranscriptPath string
	TmuxPane       string
	WindowPane     string
}

// Correlator resolves sessions to agents.
type Correlator struct {
	store    store.Store
	cache    *SessionCache
	resolver *RootResolver
	events   *events.Writer
	logger   *zap.Logger

	// mu serializes the store strategies so two callbacks for a new session
	// cannot both create an agent.
	mu sync.Mutex
}

// New creates a Correlator. cache and resolver default to fresh instances.
func New(s store.Store, cache *SessionCache, resolver *RootResolver, ev *events.Writer, logger *zap.Logger) *Correlator {
	if cache == nil {
		cache = NewSessionCache()
	}
	if resolver == nil {
		resolver = NewRootResolver()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if ev == nil {
		ev = events.NewWriter(s, events.Config{}, logger)
	}
	return &Correlator{
		store:    s,
		cache:    cache,
		resolver: resolver,
		events:   ev,
		logger:   logger.Named("correlator"),
	}
}

// Cache returns the session cache.
func (c *Correlator) Cache() *SessionCache {
	return c.cache
}

// Correlate resolves req to an agent, trying the cache, the session id, the
// stable id, and an unclaimed agent under the project root in that order
// before creating a new agent.
func (c *Correlator) Correlate(ctx context.Context, req Request) (*Correlation, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}

	if corr, err := c.fromCache(ctx, req.SessionID); corr != nil || err != nil {
		return corr, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	corr, err := c.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	c.cache.Put(req.SessionID, corr.Agent.ID)
	c.logger.Debug("correlated session",
		zap.String("session_id", req.SessionID),
		zap.String("agent_id", corr.Agent.ID),
		zap.String("method", string(corr.Method)),
		zap.Bool("new", corr.IsNew))
	return corr, nil
}

func (c *Correlator) fromCache(ctx context.Context, sessionID string) (*Correlation, error) {
	id, ok := c.cache.Get(sessionID)
	if !ok {
		return nil, nil
	}
	agent, err := c.store.GetAgent(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !agent.Active()) {
		c.cache.Remove(sessionID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cached agent: %w", err)
	}
	return &Correlation{Agent: agent, Method: MethodCache}, nil
}

func (c *Correlator) resolve(ctx context.Context, req Request) (*Correlation, error) {
	agent, err := c.store.GetActiveAgentByClaudeSessionID(ctx, req.SessionID)
	if err == nil {
		return &Correlation{Agent: agent, Method: MethodSessionID}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup by session id: %w", err)
	}

	if req.StableID != "" {
		agent, err := c.store.GetAgentBySessionUUID(ctx, req.StableID)
		switch {
		case err == nil && agent.Active():
			if agent.ClaudeSessionID != req.SessionID {
				if err := c.claim(ctx, agent, req); err != nil {
					return nil, err
				}
			}
			return &Correlation{Agent: agent, Method: MethodStableID}, nil
		case err == nil:
			c.logger.Info("stable id belongs to an ended agent",
				zap.String("agent_id", agent.ID),
				zap.String("stable_id", req.StableID))
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("lookup by stable id: %w", err)
		}
	}

	if strings.TrimSpace(req.WorkingDirectory) == "" {
		return nil, fmt.Errorf("%w: session %s has no working directory", ErrUnresolvable, req.SessionID)
	}
	root, err := c.resolver.Resolve(req.WorkingDirectory)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnresolvable, err)
	}

	project, err := c.store.GetProjectByPath(ctx, root)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup project: %w", err)
	}
	if project != nil {
		agent, err := c.store.FindUnclaimedAgent(ctx, project.ID)
		if err == nil {
			if err := c.claim(ctx, agent, req); err != nil {
				return nil, err
			}
			return &Correlation{Agent: agent, Method: MethodProjectRoot}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("find unclaimed agent: %w", err)
		}
	}

	agent, err = c.create(ctx, project, root, req)
	if err != nil {
		return nil, err
	}
	return &Correlation{Agent: agent, IsNew: true, Method: MethodCreated}, nil
}

// claim binds an existing agent to the request's session id.
func (c *Correlator) claim(ctx context.Context, agent *models.Agent, req Request) error {
	agent.ClaudeSessionID = req.SessionID
	if agent.WorkingDirectory == "" {
		agent.WorkingDirectory = req.WorkingDirectory
	}
	if err := c.store.UpdateAgent(ctx, agent); err != nil {
		return fmt.Errorf("claim agent: %w", err)
	}
	return nil
}

func (c *Correlator) create(ctx context.Context, project *models.Project, root string, req Request) (*models.Agent, error) {
	sessionUUID := req.StableID
	if sessionUUID != "" {
		if _, err := c.store.GetAgentBySessionUUID(ctx, sessionUUID); err == nil {
			// Taken by an ended agent.
			sessionUUID = ""
		}
	}
	if sessionUUID == "" {
		sessionUUID = uuid.NewString()
	}

	now := time.Now().UTC()
	agent := &models.Agent{
		SessionUUID:      sessionUUID,
		ClaudeSessionID:  req.SessionID,
		WorkingDirectory: req.WorkingDirectory,
		StartedAt:        now,
		LastSeenAt:       now,
	}

	err := c.store.InTx(ctx, func(tx store.Store) error {
		if project == nil {
			project = &models.Project{Name: filepath.Base(root), Path: root}
			if err := tx.CreateProject(ctx, project); err != nil {
				return err
			}
		}
		agent.ProjectID = project.ID
		return tx.CreateAgent(ctx, agent)
	})
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}

	c.events.Write(ctx, models.EventAgentCreated, map[string]any{
		"session_id":        req.SessionID,
		"session_uuid":      agent.SessionUUID,
		"working_directory": agent.WorkingDirectory,
		"project_path":      root,
	}, events.Refs{ProjectID: agent.ProjectID, AgentID: agent.ID})
	c.logger.Info("agent created",
		zap.String("agent_id", agent.ID),
		zap.String("project", root))
	return agent, nil
}

// Observe records hints on the agent. Empty hints leave fields unchanged.
// A new transcript path restarts reading from the beginning of that file.
func (c *Correlator) Observe(ctx context.Context, agent *models.Agent, h Hints) error {
	fresh, err := c.store.GetAgent(ctx, agent.ID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}

	changed := false
	if h.TranscriptPath != "" && h.TranscriptPath != fresh.TranscriptPath {
		fresh.TranscriptPath = h.TranscriptPath
		fresh.TranscriptOffset = 0
		changed = true
	}
	if h.TmuxPane != "" && h.TmuxPane != fresh.TmuxPane {
		fresh.TmuxPane = h.TmuxPane
		changed = true
	}
	if h.WindowPane != "" && h.WindowPane != fresh.WindowPane {
		fresh.WindowPane = h.WindowPane
		changed = true
	}
	if changed {
		if err := c.store.UpdateAgent(ctx, fresh); err != nil {
			return fmt.Errorf("observe agent: %w", err)
		}
	}
	*agent = *fresh
	return nil
}
