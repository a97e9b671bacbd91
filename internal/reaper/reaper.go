// Package reaper ends agents whose backing process is gone.
package reaper

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/samotage/headspace/internal/lifecycle"
	"github.com/samotage/headspace/internal/locks"
	"github.com/samotage/headspace/internal/models"
	"github.com/samotage/headspace/internal/store"
)

const (
	DefaultInterval          = 60 * time.Second
	DefaultGracePeriod       = 5 * time.Minute
	DefaultInactivityTimeout = 2 * time.Hour
	DefaultLockWait          = 5 * time.Second
)

// Action is what a sweep did with one agent.
type Action string

const (
	ActionReaped       Action = "reaped"
	ActionSkippedGrace Action = "skipped_grace"
	ActionSkippedAlive Action = "skipped_alive"
	ActionSkippedError Action = "skipped_error"
)

// Detail records the decision for one agent.
type Detail struct {
	AgentID string           `json:"agent_id"`
	Action  Action           `json:"action"`
	Reason  models.EndReason `json:"reason,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Report summarizes one sweep.
type Report struct {
	Checked      int      `json:"checked"`
	Reaped       int      `json:"reaped"`
	SkippedGrace int      `json:"skipped_grace"`
	SkippedAlive int      `json:"skipped_alive"`
	SkippedError int      `json:"skipped_error"`
	Details      []Detail `json:"details"`
}

func (r *Report) add(d Detail) {
	switch d.Action {
	case ActionReaped:
		r.Reaped++
	case ActionSkippedGrace:
		r.SkippedGrace++
	case ActionSkippedAlive:
		r.SkippedAlive++
	case ActionSkippedError:
		r.SkippedError++
	}
	r.Details = append(r.Details, d)
}

// Evicter drops cached session mappings for an agent.
type Evicter interface {
	EvictAgent(agentID string) int
}

// Config tunes a Reaper.
type Config struct {
	GracePeriod       time.Duration
	InactivityTimeout time.Duration
	LockWait          time.Duration
}

// Reaper sweeps active agents.
type Reaper struct {
	store     store.Store
	lifecycle *lifecycle.Manager
	locks     *locks.Registry
	cache     Evicter
	tmux      PaneChecker
	window    PaneChecker
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a Reaper. Either checker may be nil, which skips that check.
func New(s store.Store, lm *lifecycle.Manager, reg *locks.Registry, cache Evicter, tmux, window PaneChecker, cfg Config, logger *zap.Logger) *Reaper {
	if reg == nil {
		reg = locks.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = DefaultLockWait
	}
	return &Reaper{
		store:     s,
		lifecycle: lm,
		locks:     reg,
		cache:     cache,
		tmux:      tmux,
		window:    window,
		cfg:       cfg,
		logger:    logger.Named("reaper"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ReapOnce checks every active agent once.
func (r *Reaper) ReapOnce(ctx context.Context) (*Report, error) {
	agents, err := r.store.ListActiveAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active agents: %w", err)
	}

	report := &Report{Checked: len(agents), Details: []Detail{}}
	stale := stalePanes(agents)
	now := r.now()

	for _, a := range agents {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if now.Sub(a.StartedAt) < r.cfg.GracePeriod {
			report.add(Detail{AgentID: a.ID, Action: ActionSkippedGrace})
			continue
		}

		var d Detail
		if stale[a.ID] {
			d = Detail{AgentID: a.ID, Action: ActionReaped, Reason: models.EndReasonStalePane}
		} else {
			d = r.decide(ctx, a, now)
		}
		if d.Action == ActionReaped {
			if err := r.reap(ctx, a, d.Reason); err != nil {
				d = Detail{AgentID: a.ID, Action: ActionSkippedError, Reason: d.Reason, Error: err.Error()}
			}
		}
		report.add(d)
	}

	if report.Reaped > 0 || report.SkippedError > 0 {
		r.logger.Info("reap sweep",
			zap.Int("checked", report.Checked),
			zap.Int("reaped", report.Reaped),
			zap.Int("skipped_error", report.SkippedError))
	}
	return report, nil
}

// decide applies liveness precedence: tmux pane, then window pane, then the
// inactivity timeout. Inconclusive checks never reap.
func (r *Reaper) decide(ctx context.Context, a *models.Agent, now time.Time) Detail {
	var checkErr error

	if a.TmuxPane != "" && r.tmux != nil {
		st, err := r.tmux.CheckPane(ctx, a.TmuxPane)
		switch {
		case err != nil:
			checkErr = err
			r.logger.Debug("tmux check inconclusive", zap.String("agent_id", a.ID), zap.Error(err))
		case st.Liveness == Alive:
			return Detail{AgentID: a.ID, Action: ActionSkippedAlive}
		case st.Liveness == Dead:
			return Detail{AgentID: a.ID, Action: ActionReaped, Reason: st.Reason}
		}
	}

	if a.WindowPane != "" && r.window != nil {
		st, err := r.window.CheckPane(ctx, a.WindowPane)
		switch {
		case err != nil:
			checkErr = err
			r.logger.Debug("window check inconclusive", zap.String("agent_id", a.ID), zap.Error(err))
		case st.Liveness == Alive:
			return Detail{AgentID: a.ID, Action: ActionSkippedAlive}
		case st.Liveness == Dead:
			return Detail{AgentID: a.ID, Action: ActionReaped, Reason: st.Reason}
		}
	}

	if r.cfg.InactivityTimeout > 0 && now.Sub(a.LastSeenAt) > r.cfg.InactivityTimeout {
		return Detail{AgentID: a.ID, Action: ActionReaped, Reason: models.EndReasonInactivityTimeout}
	}
	if checkErr != nil {
		return Detail{AgentID: a.ID, Action: ActionSkippedError, Error: checkErr.Error()}
	}
	return Detail{AgentID: a.ID, Action: ActionSkippedAlive}
}

// reap ends the agent under its lock, then drops its cache and lock entries.
func (r *Reaper) reap(ctx context.Context, a *models.Agent, reason models.EndReason) error {
	lockCtx, cancel := context.WithTimeout(ctx, r.cfg.LockWait)
	defer cancel()
	release, err := r.locks.Lock(lockCtx, a.ID)
	if err != nil {
		return fmt.Errorf("agent busy: %w", err)
	}

	err = r.lifecycle.EndAgent(ctx, a, reason)
	release()
	if err != nil {
		return fmt.Errorf("end agent: %w", err)
	}

	if r.cache != nil {
		r.cache.EvictAgent(a.ID)
	}
	r.locks.Remove(a.ID)
	r.logger.Info("agent reaped", zap.String("agent_id", a.ID), zap.String("reason", string(reason)))
	return nil
}

// stalePanes returns the ids of agents whose tmux pane is shared with a
// more recently started agent.
func stalePanes(agents []*models.Agent) map[string]bool {
	byPane := map[string][]*models.Agent{}
	for _, a := range agents {
		if a.TmuxPane != "" {
			byPane[a.TmuxPane] = append(byPane[a.TmuxPane], a)
		}
	}
	stale := map[string]bool{}
	for _, group := range byPane {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			if !group[i].StartedAt.Equal(group[j].StartedAt) {
				return group[i].StartedAt.Before(group[j].StartedAt)
			}
			return group[i].ID < group[j].ID
		})
		for _, a := range group[:len(group)-1] {
			stale[a.ID] = true
		}
	}
	return stale
}

// Loop runs ReapOnce on an interval.
type Loop struct {
	reaper   *Reaper
	interval time.Duration
	logger   *zap.Logger
}

// NewLoop creates a Loop.
func NewLoop(r *Reaper, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{reaper: r, interval: interval, logger: r.logger}
}

// Run sweeps until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := l.reaper.ReapOnce(ctx); err != nil && ctx.Err() == nil {
				l.logger.Warn("reap sweep failed", zap.Error(err))
			}
		}
	}
}
