package store

import (
	"context"
	"errors"
	"time"

	"github.com/samotage/headspace/internal/models"
)

// ErrNotFound is wrapped by every lookup that matches no row.
var ErrNotFound = errors.New("not found")

// EventFilter specifies filters for listing audit events.
type EventFilter struct {
	AgentID   string
	TaskID    string
	EventType string
	Limit     int
}

// Store defines the persistence interface for headspace.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByPath(ctx context.Context, path string) (*models.Project, error)

	// Agents
	CreateAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	GetActiveAgentByClaudeSessionID(ctx context.Context, sessionID string) (*models.Agent, error)
	GetAgentBySessionUUID(ctx context.Context, sessionUUID string) (*models.Agent, error)
	FindUnclaimedAgent(ctx context.Context, projectID string) (*models.Agent, error)
	ListActiveAgents(ctx context.Context) ([]*models.Agent, error)
	ListAgents(ctx context.Context, limit int) ([]*models.Agent, error)
	UpdateAgent(ctx context.Context, a *models.Agent) error
	TouchAgent(ctx context.Context, id string, seen time.Time) error
	UpdateTranscriptOffset(ctx context.Context, id string, offset int64) error

	// Tasks
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetOpenTask(ctx context.Context, agentID string) (*models.Task, error)
	ListTasks(ctx context.Context, agentID string) ([]*models.Task, error)
	UpdateTask(ctx context.Context, t *models.Task) error

	// Turns
	CreateTurn(ctx context.Context, t *models.Turn) error
	GetTurn(ctx context.Context, id string) (*models.Turn, error)
	ListTurns(ctx context.Context, taskID string) ([]*models.Turn, error)
	ListAgentTurnsBetween(ctx context.Context, agentID string, from, to time.Time) ([]*models.Turn, error)
	LastTurn(ctx context.Context, taskID string, actor models.Actor) (*models.Turn, error)
	UpdateTurnProvenance(ctx context.Context, t *models.Turn) error

	// Events
	CreateEvent(ctx context.Context, e *models.Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*models.Event, error)

	// InTx runs fn inside a single transaction. The Store passed to fn must be
	// used for every call made within it.
	InTx(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
