package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/samotage/headspace/internal/contenthash"
	"github.com/samotage/headspace/internal/models"
	"github.com/samotage/headspace/internal/state"
	"github.com/samotage/headspace/internal/store"
)

// RecoveredTurn is a transcript entry with no matching stored turn.
type RecoveredTurn struct {
	Actor models.Actor
	Text  string
	// Timestamp is the transcript time. Zero means server time.
	Timestamp time.Time
}

// ProcessRecoveredTurn records a turn found only in the transcript.
//
// The turn insert commits first, on its own. The state transition commits
// second and never touches text, so a failure there leaves the turn in place
// with only the transition missing. With no open task, a user command opens
// one in a single commit; anything else is skipped with ErrNoOpenTask.
func (m *Manager) ProcessRecoveredTurn(ctx context.Context, agent *models.Agent, rt RecoveredTurn) (*Result, error) {
	if err := validate(agent, rt.Actor, rt.Text); err != nil {
		return &Result{Err: err}, err
	}

	task, current, err := openTask(ctx, m.store, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("load open task: %w", err)
	}
	classified := m.detector.Detect(ctx, rt.Actor, rt.Text, current)
	res := &Result{Intent: classified}

	ts, source := rt.Timestamp.UTC(), models.TimestampTranscript
	if rt.Timestamp.IsZero() {
		ts, source = m.now(), models.TimestampServer
	}
	turn := &models.Turn{
		Actor:           rt.Actor,
		Intent:          classified.Intent,
		Text:            rt.Text,
		Confidence:      classified.Confidence,
		Timestamp:       ts,
		TimestampSource: source,
		ContentHash:     contenthash.Primary(rt.Actor, rt.Text),
	}

	if task == nil {
		tr, err := state.Lookup(current, rt.Actor, classified.Intent)
		if err != nil || !tr.CreatesTask {
			res.Err = ErrNoOpenTask
			return res, ErrNoOpenTask
		}
		err = m.store.InTx(ctx, func(tx store.Store) error {
			if err := checkActive(ctx, tx, agent.ID); err != nil {
				return err
			}
			created, err := m.applyTransition(ctx, tx, agent, nil, tr, rt.Text, ts, true)
			if err != nil {
				return err
			}
			turn.TaskID = created.ID
			if err := tx.CreateTurn(ctx, turn); err != nil {
				return err
			}
			res.Task = created
			return tx.TouchAgent(ctx, agent.ID, ts)
		})
		if errors.Is(err, ErrValidation) {
			res.Err = err
			return res, err
		}
		if err != nil {
			return nil, fmt.Errorf("recover turn: %w", err)
		}
		res.Transition = tr
		res.TurnID = turn.ID
		res.NewTaskCreated = true
		m.afterCommit(ctx, agent, res, "")
		return res, nil
	}

	// Commit 1: the turn.
	turn.TaskID = task.ID
	err = m.store.InTx(ctx, func(tx store.Store) error {
		if err := checkActive(ctx, tx, agent.ID); err != nil {
			return err
		}
		if err := tx.CreateTurn(ctx, turn); err != nil {
			return err
		}
		return tx.TouchAgent(ctx, agent.ID, ts)
	})
	if errors.Is(err, ErrValidation) {
		res.Err = err
		return res, err
	}
	if err != nil {
		return nil, fmt.Errorf("recover turn: %w", err)
	}
	res.TurnID = turn.ID
	res.Task = task
	m.events.Write(ctx, models.EventTurnRecovered, map[string]any{
		"actor":            rt.Actor,
		"intent":           classified.Intent,
		"timestamp_source": source,
	}, refsFor(agent, task, turn.ID))

	// Commit 2: the transition.
	tr, err := state.Lookup(current, rt.Actor, classified.Intent)
	if err != nil {
		m.invalid(ctx, agent, task, err, classified)
		res.Err = err
		return res, err
	}
	err = m.store.InTx(ctx, func(tx store.Store) error {
		fresh, err := tx.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if !fresh.Open() {
			return ErrNoOpenTask
		}
		if fresh.State != tr.From {
			if tr, err = state.Lookup(fresh.State, rt.Actor, classified.Intent); err != nil {
				return err
			}
		}
		updated, err := m.applyTransition(ctx, tx, agent, fresh, tr, rt.Text, m.now(), false)
		if err != nil {
			return err
		}
		res.Task = updated
		return nil
	})
	if err != nil {
		m.logger.Warn("recovered turn recorded without transition",
			zap.String("agent_id", agent.ID),
			zap.String("turn_id", turn.ID),
			zap.Error(err))
		res.Err = err
		return res, err
	}
	res.Transition = tr

	// The turn_recorded event is replaced by turn_recovered above.
	recovered := *res
	recovered.TurnID = ""
	m.afterCommit(ctx, agent, &recovered, "")
	return res, nil
}

// CompleteTask forces task to COMPLETE through the agent-completion row.
// finalText, when non-empty, is recorded as the closing agent turn; when
// empty the summary falls back to the last agent turn, which may also be
// empty. A nil task means the agent's open task.
func (m *Manager) CompleteTask(ctx context.Context, agent *models.Agent, task *models.Task, finalText, reason string) (*Result, error) {
	if agent == nil || agent.ID == "" {
		return nil, fmt.Errorf("%w: agent is required", ErrValidation)
	}

	res := &Result{}
	now := m.now()
	err := m.store.InTx(ctx, func(tx store.Store) error {
		var err error
		if task == nil {
			task, err = tx.GetOpenTask(ctx, agent.ID)
			if errors.Is(err, store.ErrNotFound) {
				return ErrNoOpenTask
			}
		} else {
			task, err = tx.GetTask(ctx, task.ID)
		}
		if err != nil {
			return err
		}
		if !task.Open() {
			return ErrNoOpenTask
		}

		tr, err := state.Lookup(task.State, models.ActorAgent, models.IntentCompletion)
		if err != nil {
			return err
		}

		summary := finalText
		if finalText == "" {
			if last, err := tx.LastTurn(ctx, task.ID, models.ActorAgent); err == nil {
				summary = last.Text
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		} else {
			turn := &models.Turn{
				TaskID:          task.ID,
				Actor:           models.ActorAgent,
				Intent:          models.IntentCompletion,
				Text:            finalText,
				Confidence:      1,
				Timestamp:       now,
				TimestampSource: models.TimestampServer,
				ContentHash:     contenthash.Primary(models.ActorAgent, finalText),
				LegacyHash:      contenthash.Legacy(finalText),
			}
			if err := tx.CreateTurn(ctx, turn); err != nil {
				return err
			}
			res.TurnID = turn.ID
		}

		updated, err := m.applyTransition(ctx, tx, agent, task, tr, summary, now, true)
		if err != nil {
			return err
		}
		res.Task = updated
		res.Transition = tr
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNoOpenTask) {
			return nil, ErrNoOpenTask
		}
		return nil, fmt.Errorf("complete task: %w", err)
	}

	res.Intent.Intent = models.IntentCompletion
	res.Intent.Confidence = 1
	res.Intent.MatchedPattern = "forced"
	m.afterCommit(ctx, agent, res, reason)
	return res, nil
}

// EndAgent soft-closes the agent and completes any open task. Ending an
// already ended agent is a no-op.
func (m *Manager) EndAgent(ctx context.Context, agent *models.Agent, reason models.EndReason) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("%w: agent is required", ErrValidation)
	}
	if !agent.Active() {
		return nil
	}

	if _, err := m.CompleteTask(ctx, agent, nil, "", string(reason)); err != nil && !errors.Is(err, ErrNoOpenTask) {
		return err
	}

	fresh, err := m.store.GetAgent(ctx, agent.ID)
	if err != nil {
		return fmt.Errorf("end agent: %w", err)
	}
	if !fresh.Active() {
		*agent = *fresh
		return nil
	}
	now := m.now()
	fresh.EndedAt = &now
	fresh.EndReason = reason
	if err := m.store.UpdateAgent(ctx, fresh); err != nil {
		return fmt.Errorf("end agent: %w", err)
	}
	*agent = *fresh

	m.logger.Info("agent ended", zap.String("agent_id", agent.ID), zap.String("reason", string(reason)))
	m.events.Write(ctx, models.EventAgentEnded, map[string]any{"reason": reason},
		refsFor(agent, nil, ""))
	m.notify(ctx, notifyEnded(agent, reason))
	return nil
}
