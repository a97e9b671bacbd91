package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/samotage/headspace/internal/contenthash"
	"github.com/samotage/headspace/internal/events"
	"github.com/samotage/headspace/internal/lifecycle"
	"github.com/samotage/headspace/internal/locks"
	"github.com/samotage/headspace/internal/models"
	"github.com/samotage/headspace/internal/state"
	"github.com/samotage/headspace/internal/store"
)

// DefaultMatchWindow bounds how far apart a transcript entry and a stored
// turn may be and still match.
const DefaultMatchWindow = 120 * time.Second

// DefaultSessionLockWait bounds how long a session-end pass waits for the
// agent's lock.
const DefaultSessionLockWait = 10 * time.Second

// Status is the outcome class of a reconcile call.
type Status string

const (
	StatusOK   Status = "ok"
	StatusBusy Status = "busy"
)

// Update records one corrected turn timestamp.
type Update struct {
	TurnID       string    `json:"turn_id"`
	OldTimestamp time.Time `json:"old_timestamp"`
	NewTimestamp time.Time `json:"new_timestamp"`
}

// Result summarizes one reconcile pass.
type Result struct {
	Status  Status   `json:"status"`
	Updated []Update `json:"updated"`
	Created []string `json:"created"`
	// Skipped counts entries that produced no turn, e.g. agent text with
	// no open task.
	Skipped   int   `json:"skipped"`
	Malformed int   `json:"malformed"`
	Offset    int64 `json:"offset"`
}

// Config tunes a Reconciler.
type Config struct {
	MatchWindow     time.Duration
	SessionLockWait time.Duration
}

// Reconciler matches transcript entries against stored turns.
type Reconciler struct {
	store     store.Store
	lifecycle *lifecycle.Manager
	source    EntrySource
	locks     *locks.Registry
	events    *events.Writer
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewReconciler creates a Reconciler. source defaults to Reader.
func NewReconciler(s store.Store, lm *lifecycle.Manager, source EntrySource, reg *locks.Registry, ev *events.Writer, cfg Config, logger *zap.Logger) *Reconciler {
	if source == nil {
		source = Reader{}
	}
	if reg == nil {
		reg = locks.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if ev == nil {
		ev = events.NewWriter(s, events.Config{}, logger)
	}
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = DefaultMatchWindow
	}
	if cfg.SessionLockWait <= 0 {
		cfg.SessionLockWait = DefaultSessionLockWait
	}
	return &Reconciler{
		store:     s,
		lifecycle: lm,
		source:    source,
		locks:     reg,
		events:    ev,
		cfg:       cfg,
		logger:    logger.Named("reconciler"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile reads the agent's transcript since its stored offset. It never
// waits for the agent's lock: when another pass or a callback holds it the
// result has StatusBusy and a nil error.
func (r *Reconciler) Reconcile(ctx context.Context, agent *models.Agent) (*Result, error) {
	release, ok := r.locks.TryLock(agent.ID)
	if !ok {
		return &Result{Status: StatusBusy}, nil
	}
	defer release()
	return r.reconcileLocked(ctx, agent.ID, false)
}

// ReconcileSession is the end-of-session pass: it waits a bounded time for
// the lock and consumes everything unread, including a final line with no
// trailing newline.
func (r *Reconciler) ReconcileSession(ctx context.Context, agent *models.Agent) (*Result, error) {
	lockCtx, cancel := context.WithTimeout(ctx, r.cfg.SessionLockWait)
	defer cancel()
	release, err := r.locks.Lock(lockCtx, agent.ID)
	if err != nil {
		return &Result{Status: StatusBusy}, nil
	}
	defer release()
	return r.reconcileLocked(ctx, agent.ID, true)
}

func (r *Reconciler) reconcileLocked(ctx context.Context, agentID string, flush bool) (*Result, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if agent.TranscriptPath == "" {
		return &Result{Status: StatusOK, Offset: agent.TranscriptOffset}, nil
	}

	batch, err := r.source.ReadSince(ctx, agent.TranscriptPath, agent.TranscriptOffset, flush)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	if batch.Reset {
		r.logger.Warn("transcript shorter than stored offset, rereading",
			zap.String("agent_id", agent.ID),
			zap.String("path", agent.TranscriptPath))
	}

	res, err := r.ReconcileEntries(ctx, agent, batch.Entries)
	if res == nil {
		return nil, err
	}
	res.Malformed = batch.Malformed
	if err != nil {
		// Keep the offset so the failed entries are read again.
		res.Offset = agent.TranscriptOffset
		return res, err
	}

	if batch.NextOffset != agent.TranscriptOffset {
		if err := r.store.UpdateTranscriptOffset(ctx, agent.ID, batch.NextOffset); err != nil {
			return res, fmt.Errorf("save transcript offset: %w", err)
		}
	}
	res.Offset = batch.NextOffset
	return res, nil
}

// ReconcileEntries matches entries against the agent's turns and records
// the ones that are missing. The caller must hold the agent's lock.
//
// Matching looks at the agent's turns within the match window of each
// entry, by primary hash first and legacy hash second. A stored turn is
// claimed by at most one entry per call.
func (r *Reconciler) ReconcileEntries(ctx context.Context, agent *models.Agent, entries []Entry) (*Result, error) {
	res := &Result{Status: StatusOK, Updated: []Update{}, Created: []string{}}
	claimed := map[string]bool{}

	for _, e := range entries {
		if strings.TrimSpace(e.Text) == "" || !e.Actor.Valid() {
			res.Skipped++
			continue
		}

		at := e.Timestamp
		if at.IsZero() {
			at = r.now()
		}
		primary := contenthash.Primary(e.Actor, e.Text)
		legacy := contenthash.Legacy(e.Text)

		candidates, err := r.store.ListAgentTurnsBetween(ctx, agent.ID, at.Add(-r.cfg.MatchWindow), at.Add(r.cfg.MatchWindow))
		if err != nil {
			return res, fmt.Errorf("load candidate turns: %w", err)
		}

		if match := closest(candidates, at, claimed, func(t *models.Turn) bool {
			return t.ContentHash == primary
		}); match != nil {
			claimed[match.ID] = true
			if err := r.correct(ctx, agent, match, e, primary, res); err != nil {
				return res, err
			}
			continue
		}
		if match := closest(candidates, at, claimed, func(t *models.Turn) bool {
			return t.LegacyHash == legacy && t.Actor == e.Actor && (t.ContentHash == "" || t.ContentHash == primary)
		}); match != nil {
			claimed[match.ID] = true
			if err := r.correct(ctx, agent, match, e, primary, res); err != nil {
				return res, err
			}
			continue
		}

		out, err := r.lifecycle.ProcessRecoveredTurn(ctx, agent, lifecycle.RecoveredTurn{
			Actor:     e.Actor,
			Text:      e.Text,
			Timestamp: e.Timestamp,
		})
		if out != nil && out.TurnID != "" {
			claimed[out.TurnID] = true
			res.Created = append(res.Created, out.TurnID)
		}
		switch {
		case err == nil:
		case errors.Is(err, lifecycle.ErrNoOpenTask), errors.Is(err, lifecycle.ErrValidation):
			if out == nil || out.TurnID == "" {
				res.Skipped++
			}
		case errors.Is(err, state.ErrInvalidTransition):
			r.logger.Info("recovered turn without transition",
				zap.String("agent_id", agent.ID),
				zap.Error(err))
		default:
			return res, fmt.Errorf("recover turn: %w", err)
		}
	}
	return res, nil
}

// correct moves a matched turn onto the transcript's timestamp, marks its
// provenance, backfills the primary hash and drops the legacy hash.
func (r *Reconciler) correct(ctx context.Context, agent *models.Agent, t *models.Turn, e Entry, primary string, res *Result) error {
	old := t.Timestamp
	changed := false
	dirty := false

	if !e.Timestamp.IsZero() {
		if !t.Timestamp.Equal(e.Timestamp) {
			t.Timestamp = e.Timestamp
			changed = true
			dirty = true
		}
		if t.TimestampSource != models.TimestampTranscript {
			t.TimestampSource = models.TimestampTranscript
			dirty = true
		}
	}
	if t.ContentHash != primary {
		t.ContentHash = primary
		dirty = true
	}
	if t.LegacyHash != "" {
		t.LegacyHash = ""
		dirty = true
	}
	if !dirty {
		return nil
	}

	if err := r.store.UpdateTurnProvenance(ctx, t); err != nil {
		return fmt.Errorf("correct turn %s: %w", t.ID, err)
	}
	if changed {
		res.Updated = append(res.Updated, Update{TurnID: t.ID, OldTimestamp: old, NewTimestamp: t.Timestamp})
		r.events.Write(ctx, models.EventTimestampCorrected, map[string]any{
			"old_timestamp": old,
			"new_timestamp": t.Timestamp,
		}, events.Refs{ProjectID: agent.ProjectID, AgentID: agent.ID, TaskID: t.TaskID, TurnID: t.ID})
	}
	return nil
}

// closest returns the unclaimed candidate satisfying ok whose timestamp is
// nearest to at.
func closest(candidates []*models.Turn, at time.Time, claimed map[string]bool, ok func(*models.Turn) bool) *models.Turn {
	var best *models.Turn
	var bestGap time.Duration
	for _, t := range candidates {
		if claimed[t.ID] || !ok(t) {
			continue
		}
		gap := t.Timestamp.Sub(at)
		if gap < 0 {
			gap = -gap
		}
		if best == nil || gap < bestGap {
			best, bestGap = t, gap
		}
	}
	return best
}
