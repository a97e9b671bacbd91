// Package lifecycle turns observed turns into task state.
//
// Every mutation for one agent is expected to run under that agent's lock
// from internal/locks; the manager itself only scopes transactions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/samotage/headspace/internal/contenthash"
	"github.com/samotage/headspace/internal/events"
	"github.com/samotage/headspace/internal/intent"
	"github.com/samotage/headspace/internal/models"
	"github.com/samotage/headspace/internal/notify"
	"github.com/samotage/headspace/internal/state"
	"github.com/samotage/headspace/internal/store"
)

var (
	// ErrValidation is wrapped by input errors raised before any mutation.
	ErrValidation = errors.New("validation error")
	// ErrNoOpenTask is returned when a turn needs an open task and there is none.
	ErrNoOpenTask = errors.New("no open task")
)

// summaryRunes bounds the completion summary copied from agent text.
const summaryRunes = 500

// Result describes one processed turn.
type Result struct {
	Task           *models.Task
	Transition     state.Transition
	TurnID         string
	NewTaskCreated bool
	Intent         intent.Result
	Err            error
}

// Manager processes turns for agents.
type Manager struct {
	store    store.Store
	detector *intent.Detector
	events   *events.Writer
	notifier notify.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager creates a Manager. notifier and logger may be nil.
func NewManager(s store.Store, detector *intent.Detector, ev *events.Writer, notifier notify.Notifier, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if detector == nil {
		detector = intent.NewDetector(nil, nil, logger)
	}
	if ev == nil {
		ev = events.NewWriter(s, events.Config{}, logger)
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Manager{
		store:    s,
		detector: detector,
		events:   ev,
		notifier: notifier,
		logger:   logger.Named("lifecycle"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func validate(agent *models.Agent, actor models.Actor, text string) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("%w: agent is required", ErrValidation)
	}
	if !agent.Active() {
		return fmt.Errorf("%w: agent %s has ended", ErrValidation, agent.ID)
	}
	if !actor.Valid() {
		return fmt.Errorf("%w: unknown actor %q", ErrValidation, actor)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: turn text is empty", ErrValidation)
	}
	return nil
}

// checkActive re-reads the agent inside tx so a caller's copy cannot
// outlive an EndAgent that committed first.
func checkActive(ctx context.Context, tx store.Store, agentID string) error {
	fresh, err := tx.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	if !fresh.Active() {
		return fmt.Errorf("%w: agent %s has ended", ErrValidation, agentID)
	}
	return nil
}

// openTask returns the agent's open task and its state, or idle.
func openTask(ctx context.Context, s store.Store, agentID string) (*models.Task, models.TaskState, error) {
	task, err := s.GetOpenTask(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.TaskStateIdle, nil
	}
	if err != nil {
		return nil, "", err
	}
	return task, task.State, nil
}

// ProcessTurn classifies text against the agent's open task and applies the
// resulting transition. An invalid transition is reported in Result.Err and
// as the returned error, and nothing is mutated.
func (m *Manager) ProcessTurn(ctx context.Context, agent *models.Agent, actor models.Actor, text string) (*Result, error) {
	if err := validate(agent, actor, text); err != nil {
		return &Result{Err: err}, err
	}

	open, current, err := openTask(ctx, m.store, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("load open task: %w", err)
	}
	classified := m.detector.Detect(ctx, actor, text, current)

	res := &Result{Intent: classified}
	if _, err := state.Lookup(current, actor, classified.Intent); err != nil {
		m.invalid(ctx, agent, open, err, classified)
		res.Err = err
		return res, err
	}

	now := m.now()
	err = m.store.InTx(ctx, func(tx store.Store) error {
		if err := checkActive(ctx, tx, agent.ID); err != nil {
			return err
		}
		task, current, err := openTask(ctx, tx, agent.ID)
		if err != nil {
			return fmt.Errorf("load open task: %w", err)
		}
		tr, err := state.Lookup(current, actor, classified.Intent)
		if err != nil {
			return err
		}

		task, err = m.applyTransition(ctx, tx, agent, task, tr, text, now, true)
		if err != nil {
			return err
		}

		ts := now
		if last, err := tx.LastTurn(ctx, task.ID, ""); err == nil && last.Timestamp.After(ts) {
			ts = last.Timestamp
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load last turn: %w", err)
		}

		turn := &models.Turn{
			TaskID:          task.ID,
			Actor:           actor,
			Intent:          classified.Intent,
			Text:            text,
			Confidence:      classified.Confidence,
			Timestamp:       ts,
			TimestampSource: models.TimestampServer,
			ContentHash:     contenthash.Primary(actor, text),
			LegacyHash:      contenthash.Legacy(text),
		}
		if err := tx.CreateTurn(ctx, turn); err != nil {
			return err
		}
		if err := tx.TouchAgent(ctx, agent.ID, now); err != nil {
			return err
		}

		res.Task = task
		res.Transition = tr
		res.TurnID = turn.ID
		res.NewTaskCreated = tr.CreatesTask
		return nil
	})
	if err != nil {
		var ite *state.InvalidTransitionError
		if errors.As(err, &ite) {
			m.invalid(ctx, agent, open, err, classified)
			res.Err = err
			return res, err
		}
		if errors.Is(err, ErrValidation) {
			return &Result{Intent: classified, Err: err}, err
		}
		return nil, fmt.Errorf("process turn: %w", err)
	}

	m.afterCommit(ctx, agent, res, "")
	return res, nil
}

// applyTransition creates or updates the task for tr. withText controls
// whether the turn text feeds the task's instruction and summary.
func (m *Manager) applyTransition(ctx context.Context, tx store.Store, agent *models.Agent, task *models.Task, tr state.Transition, text string, now time.Time, withText bool) (*models.Task, error) {
	if tr.CreatesTask {
		task = &models.Task{
			AgentID:   agent.ID,
			State:     tr.To,
			StartedAt: now,
		}
		if withText {
			task.Instruction = strings.TrimSpace(text)
		}
		if err := tx.CreateTask(ctx, task); err != nil {
			return nil, err
		}
		return task, nil
	}
	if task == nil {
		return nil, ErrNoOpenTask
	}

	changed := task.State != tr.To
	task.State = tr.To
	if tr.To == models.TaskStateComplete {
		completed := now
		task.CompletedAt = &completed
		if withText {
			task.CompletionSummary = summarize(text)
		}
		changed = true
	}
	if changed {
		if err := tx.UpdateTask(ctx, task); err != nil {
			return nil, err
		}
	}
	return task, nil
}

func summarize(text string) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) > summaryRunes {
		r = r[:summaryRunes]
	}
	return string(r)
}

// invalid records an invalid_transition audit event.
func (m *Manager) invalid(ctx context.Context, agent *models.Agent, task *models.Task, err error, classified intent.Result) {
	m.logger.Info("invalid transition",
		zap.String("agent_id", agent.ID),
		zap.String("intent", string(classified.Intent)),
		zap.Error(err))

	payload := map[string]any{
		"intent":     classified.Intent,
		"confidence": classified.Confidence,
		"pattern":    classified.MatchedPattern,
		"error":      err.Error(),
	}
	var ite *state.InvalidTransitionError
	if errors.As(err, &ite) {
		payload["from"] = ite.From
		payload["actor"] = ite.Actor
	}
	refs := events.Refs{ProjectID: agent.ProjectID, AgentID: agent.ID}
	if task != nil {
		refs.TaskID = task.ID
	}
	m.events.Write(ctx, models.EventInvalidTransition, payload, refs)
}

// afterCommit writes audit events and notifications for a committed result.
// Failures are logged by the writer and notifier and never returned.
func (m *Manager) afterCommit(ctx context.Context, agent *models.Agent, res *Result, reason string) {
	task := res.Task
	tr := res.Transition
	refs := events.Refs{ProjectID: agent.ProjectID, AgentID: agent.ID, TaskID: task.ID, TurnID: res.TurnID}

	if res.TurnID != "" {
		m.events.Write(ctx, models.EventTurnRecorded, map[string]any{
			"actor":      tr.Actor,
			"intent":     res.Intent.Intent,
			"confidence": res.Intent.Confidence,
			"pattern":    res.Intent.MatchedPattern,
		}, refs)
	}
	if res.NewTaskCreated {
		m.events.Write(ctx, models.EventTaskCreated, map[string]any{"instruction": task.Instruction}, refs)
	}
	if tr.Changed() && !tr.CreatesTask {
		m.events.Write(ctx, models.EventStateTransition, map[string]any{
			"from":   tr.From,
			"to":     tr.To,
			"actor":  tr.Actor,
			"intent": tr.Intent,
		}, refs)
	}

	switch {
	case tr.To == models.TaskStateComplete:
		payload := map[string]any{"summary": task.CompletionSummary}
		if reason != "" {
			payload["reason"] = reason
		}
		m.events.Write(ctx, models.EventTaskCompleted, payload, refs)
		m.notify(ctx, notify.Notification{
			Kind:    notify.KindTaskComplete,
			AgentID: agent.ID,
			TaskID:  task.ID,
			Title:   "Task complete",
			Message: firstLine(task.CompletionSummary, task.Instruction),
		})
	case tr.To == models.TaskStateAwaitingInput && tr.Changed():
		m.notify(ctx, notify.Notification{
			Kind:    notify.KindAwaitingInput,
			AgentID: agent.ID,
			TaskID:  task.ID,
			Title:   "Input needed",
			Message: firstLine(task.Instruction),
		})
	}
}

func (m *Manager) notify(ctx context.Context, n notify.Notification) {
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.Warn("notification failed",
			zap.String("agent_id", n.AgentID),
			zap.String("kind", string(n.Kind)),
			zap.Error(err))
	}
}

// firstLine returns the first line of the first non-empty candidate.
func firstLine(candidates ...string) string {
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if i := strings.IndexByte(c, '\n'); i >= 0 {
			c = c[:i]
		}
		return c
	}
	return ""
}
