package transcript

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/samotage/headspace/internal/store"
)

// DefaultPollInterval is the fallback sweep period.
const DefaultPollInterval = 10 * time.Second

// Poller reconciles active agents on a ticker and whenever one of their
// transcript files is written.
type Poller struct {
	reconciler *Reconciler
	store      store.Store
	interval   time.Duration
	logger     *zap.Logger

	// watched maps a transcript path to its agent id.
	watched map[string]string
}

// NewPoller creates a Poller.
func NewPoller(r *Reconciler, s store.Store, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		reconciler: r,
		store:      s,
		interval:   interval,
		logger:     logger.Named("poller"),
		watched:    map[string]string{},
	}
}

// Run polls until ctx is done. File notifications are an optimization; if
// the watcher cannot start the ticker alone drives reconciliation.
func (p *Poller) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Warn("file watcher unavailable, polling only", zap.Error(err))
		watcher = nil
	} else {
		defer watcher.Close()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Sweep(ctx, watcher)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Sweep(ctx, watcher)
		case ev, ok := <-watchEvents(watcher):
			if !ok {
				watcher = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				p.reconcilePath(ctx, filepath.Clean(ev.Name))
			}
		case err, ok := <-watchErrors(watcher):
			if !ok {
				watcher = nil
				continue
			}
			p.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

// watchEvents returns the watcher's event channel, or nil (blocking forever) when
// there is no watcher.
func watchEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

func watchErrors(w *fsnotify.Watcher) chan error {
	if w == nil {
		return nil
	}
	return w.Errors
}

// Sweep reconciles every active agent with a transcript and refreshes the
// watch set. watcher may be nil.
func (p *Poller) Sweep(ctx context.Context, watcher *fsnotify.Watcher) {
	agents, err := p.store.ListActiveAgents(ctx)
	if err != nil {
		p.logger.Warn("list active agents", zap.Error(err))
		return
	}

	live := map[string]string{}
	for _, a := range agents {
		if a.TranscriptPath == "" {
			continue
		}
		path := filepath.Clean(a.TranscriptPath)
		live[path] = a.ID
		if _, ok := p.watched[path]; !ok && watcher != nil {
			if err := watcher.Add(path); err != nil {
				p.logger.Debug("watch transcript", zap.String("path", path), zap.Error(err))
			}
		}
	}
	for path := range p.watched {
		if _, ok := live[path]; !ok && watcher != nil {
			_ = watcher.Remove(path)
		}
	}
	p.watched = live

	for _, a := range agents {
		if ctx.Err() != nil {
			return
		}
		if a.TranscriptPath == "" {
			continue
		}
		p.reconcile(ctx, a.ID)
	}
}

func (p *Poller) reconcilePath(ctx context.Context, path string) {
	if id, ok := p.watched[path]; ok {
		p.reconcile(ctx, id)
	}
}

func (p *Poller) reconcile(ctx context.Context, agentID string) {
	agent, err := p.store.GetAgent(ctx, agentID)
	if err != nil || !agent.Active() {
		return
	}
	res, err := p.reconciler.Reconcile(ctx, agent)
	if err != nil {
		p.logger.Warn("reconcile", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	if res.Status == StatusBusy {
		p.logger.Debug("reconcile skipped, agent busy", zap.String("agent_id", agentID))
		return
	}
	if len(res.Created) > 0 || len(res.Updated) > 0 {
		p.logger.Info("reconciled transcript",
			zap.String("agent_id", agentID),
			zap.Int("created", len(res.Created)),
			zap.Int("updated", len(res.Updated)))
	}
}
