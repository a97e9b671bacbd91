// Package notify delivers best-effort user notifications.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Kind classifies a notification.
type Kind string

const (
	KindAwaitingInput Kind = "awaiting_input"
	KindTaskComplete  Kind = "task_complete"
	KindAgentEnded    Kind = "agent_ended"
)

// Notification is one message for the user.
type Notification struct {
	Kind    Kind
	AgentID string
	TaskID  string
	Title   string
	Message string
}

// Notifier delivers notifications. Callers log and ignore errors.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notify")}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Info(n.Title,
		zap.String("kind", string(n.Kind)),
		zap.String("agent_id", n.AgentID),
		zap.String("task_id", n.TaskID),
		zap.String("message", n.Message))
	return nil
}

// Multi fans a notification out to every sink and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }
