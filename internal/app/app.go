// Package app owns the process-wide runtime: the store, the session cache,
// the lock registry and every component built on them.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/samotage/headspace/internal/config"
	"github.com/samotage/headspace/internal/correlator"
	"github.com/samotage/headspace/internal/events"
	"github.com/samotage/headspace/internal/intent"
	"github.com/samotage/headspace/internal/lifecycle"
	"github.com/samotage/headspace/internal/llm"
	"github.com/samotage/headspace/internal/locks"
	"github.com/samotage/headspace/internal/models"
	"github.com/samotage/headspace/internal/notify"
	"github.com/samotage/headspace/internal/reaper"
	"github.com/samotage/headspace/internal/store"
	"github.com/samotage/headspace/internal/transcript"
)

// App wires the components together. Create one per process with New and
// release it with Close.
type App struct {
	Config     config.Config
	Store      store.Store
	Locks      *locks.Registry
	Cache      *correlator.SessionCache
	Events     *events.Writer
	Notifier   notify.Notifier
	Detector   *intent.Detector
	Lifecycle  *lifecycle.Manager
	Correlator *correlator.Correlator
	Reconciler *transcript.Reconciler
	Reaper     *reaper.Reaper
	Logger     *zap.Logger
}

type options struct {
	notifier notify.Notifier
	inferrer intent.Inferrer
	tmux     reaper.PaneChecker
	window   reaper.PaneChecker
	checkers bool
	resolver *correlator.RootResolver
	source   transcript.EntrySource
}

// Option customizes New.
type Option func(*options)

// WithNotifier replaces the configured notification sinks.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithInferrer sets the inference fallback regardless of config.
func WithInferrer(inf intent.Inferrer) Option {
	return func(o *options) { o.inferrer = inf }
}

// WithPaneCheckers replaces the tmux and window liveness checkers. Either
// may be nil.
func WithPaneCheckers(tmux, window reaper.PaneChecker) Option {
	return func(o *options) {
		o.tmux, o.window, o.checkers = tmux, window, true
	}
}

// WithRootResolver replaces the project root resolver.
func WithRootResolver(r *correlator.RootResolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithEntrySource replaces the transcript reader.
func WithEntrySource(src transcript.EntrySource) Option {
	return func(o *options) { o.source = src }
}

// Open opens and migrates the configured database, then builds the App on it.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	s, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return New(cfg, s, logger, opts...), nil
}

// New builds the App on an open store. The App takes ownership of s.
func New(cfg config.Config, s store.Store, logger *zap.Logger, opts ...Option) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	a := &App{
		Config: cfg,
		Store:  s,
		Locks:  locks.NewRegistry(),
		Cache:  correlator.NewSessionCache(),
		Logger: logger,
	}
	a.Events = events.NewWriter(s, events.Config{
		MaxAttempts:    cfg.Events.MaxAttempts,
		InitialBackoff: cfg.Events.InitialBackoff,
	}, logger)
	a.Notifier = o.notifier
	if a.Notifier == nil {
		a.Notifier = buildNotifier(cfg, logger)
	}

	inferrer := o.inferrer
	if inferrer == nil && cfg.Classifier.Inference {
		model := cfg.Anthropic.Model
		if model == "" {
			model = config.DefaultModel
		}
		inferrer = llm.NewClient(cfg.Anthropic.APIKey, model)
	}
	a.Detector = intent.NewDetector(intent.New(cfg.Classifier.TailLines), inferrer, logger)
	a.Lifecycle = lifecycle.NewManager(s, a.Detector, a.Events, a.Notifier, logger)
	a.Correlator = correlator.New(s, a.Cache, o.resolver, a.Events, logger)
	a.Reconciler = transcript.NewReconciler(s, a.Lifecycle, o.source, a.Locks, a.Events, transcript.Config{
		MatchWindow: cfg.Reconciler.MatchWindow,
	}, logger)

	tmux, window := o.tmux, o.window
	if !o.checkers {
		tmux = reaper.NewTmuxChecker(cfg.Reaper.ProcessName, cfg.Reaper.CheckTimeout)
		if c := reaper.NewITermChecker(cfg.Reaper.CheckTimeout); c != nil {
			window = c
		}
	}
	a.Reaper = reaper.New(s, a.Lifecycle, a.Locks, a.Cache, tmux, window, reaper.Config{
		GracePeriod:       cfg.Reaper.GracePeriod,
		InactivityTimeout: cfg.Reaper.InactivityTimeout,
	}, logger)
	return a
}

func buildNotifier(cfg config.Config, logger *zap.Logger) notify.Notifier {
	if !cfg.Notifications.Enabled {
		return notify.Nop{}
	}
	sinks := notify.Multi{notify.NewLogNotifier(logger)}
	if osa := notify.NewOSANotifier(); osa != nil {
		sinks = append(sinks, osa)
	}
	return sinks
}

// Poller returns a transcript poller over the App's reconciler.
func (a *App) Poller() *transcript.Poller {
	return transcript.NewPoller(a.Reconciler, a.Store, a.Config.Reconciler.PollInterval, a.Logger)
}

// ReaperLoop returns the periodic reaper.
func (a *App) ReaperLoop() *reaper.Loop {
	return reaper.NewLoop(a.Reaper, a.Config.Reaper.Interval)
}

// Close clears the in-memory registries and closes the store.
func (a *App) Close() error {
	a.Cache.Clear()
	a.Locks.Clear()
	return a.Store.Close()
}

// TurnRequest is one observed turn from a callback.
type TurnRequest struct {
	Session correlator.Request
	Hints   correlator.Hints
	Actor   models.Actor
	Text    string
}

// TurnResult is the outcome of HandleTurn.
type TurnResult struct {
	Agent       *models.Agent
	Correlation *correlator.Correlation
	Result      *lifecycle.Result
}

// HandleTurn resolves the session, records hints and processes the turn
// under the agent's lock.
func (a *App) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	agent, corr, err := a.correlate(ctx, req.Session, req.Hints)
	if err != nil {
		return nil, err
	}

	release, err := a.Locks.Lock(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("lock agent: %w", err)
	}
	defer release()

	// The reaper may have ended the agent while we waited on the lock.
	fresh, err := a.Store.GetAgent(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("reload agent: %w", err)
	}
	agent = fresh

	res, err := a.Lifecycle.ProcessTurn(ctx, agent, req.Actor, req.Text)
	return &TurnResult{Agent: agent, Correlation: corr, Result: res}, err
}

// StartSession resolves the session and records hints without a turn.
func (a *App) StartSession(ctx context.Context, sess correlator.Request, h correlator.Hints) (*correlator.Correlation, error) {
	_, corr, err := a.correlate(ctx, sess, h)
	return corr, err
}

// EndSession reads the rest of the agent's transcript and ends it with
// reason session_end.
func (a *App) EndSession(ctx context.Context, sess correlator.Request, h correlator.Hints) (*models.Agent, *transcript.Result, error) {
	agent, _, err := a.correlate(ctx, sess, h)
	if err != nil {
		return nil, nil, err
	}

	rec, err := a.Reconciler.ReconcileSession(ctx, agent)
	if err != nil {
		a.Logger.Warn("final reconcile failed", zap.String("agent_id", agent.ID), zap.Error(err))
	}

	release, err := a.Locks.Lock(ctx, agent.ID)
	if err != nil {
		return agent, rec, fmt.Errorf("lock agent: %w", err)
	}
	err = a.Lifecycle.EndAgent(ctx, agent, models.EndReasonSessionEnd)
	release()
	if err != nil {
		return agent, rec, err
	}
	a.Cache.EvictAgent(agent.ID)
	a.Locks.Remove(agent.ID)
	return agent, rec, nil
}

// ReconcileAgent runs a forced reconcile pass for one agent.
func (a *App) ReconcileAgent(ctx context.Context, agentID string) (*transcript.Result, error) {
	agent, err := a.Store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return a.Reconciler.Reconcile(ctx, agent)
}

func (a *App) correlate(ctx context.Context, sess correlator.Request, h correlator.Hints) (*models.Agent, *correlator.Correlation, error) {
	corr, err := a.Correlator.Correlate(ctx, sess)
	if err != nil {
		return nil, nil, err
	}
	if err := a.Correlator.Observe(ctx, corr.Agent, h); err != nil {
		return nil, nil, err
	}
	return corr.Agent, corr, nil
}
