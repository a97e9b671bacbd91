// Package events writes the append-only audit trail.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/samotage/headspace/internal/models"
)

// Sink persists a single event. store.Store satisfies it.
type Sink interface {
	CreateEvent(ctx context.Context, e *models.Event) error
}

// Refs are the optional foreign keys attached to an event.
type Refs struct {
	ProjectID string
	AgentID   string
	TaskID    string
	TurnID    string
}

// WriteResult reports the outcome of one write.
type WriteResult struct {
	Success  bool
	Attempts int
	Err      error
}

// Config tunes retries.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

// Writer writes events with bounded exponential-backoff retry. Failures are
// logged and returned in the WriteResult; they are never fatal to callers.
type Writer struct {
	sink   Sink
	cfg    Config
	logger *zap.Logger
}

// NewWriter creates a Writer.
func NewWriter(sink Sink, cfg Config, logger *zap.Logger) *Writer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{sink: sink, cfg: cfg, logger: logger.Named("events")}
}

// Write records eventType with a JSON-encoded payload.
func (w *Writer) Write(ctx context.Context, eventType string, payload any, refs Refs) WriteResult {
	body, err := encode(payload)
	if err != nil {
		w.logger.Warn("encode event payload", zap.String("event_type", eventType), zap.Error(err))
		return WriteResult{Err: err}
	}

	e := &models.Event{
		EventType: eventType,
		Payload:   body,
		ProjectID: refs.ProjectID,
		AgentID:   refs.AgentID,
		TaskID:    refs.TaskID,
		TurnID:    refs.TurnID,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.cfg.MaxAttempts-1)), ctx)

	attempts := 0
	err = backoff.Retry(func() error {
		attempts++
		e.ID = ""
		return w.sink.CreateEvent(ctx, e)
	}, policy)
	if err != nil {
		w.logger.Warn("write event",
			zap.String("event_type", eventType),
			zap.String("agent_id", refs.AgentID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return WriteResult{Attempts: attempts, Err: fmt.Errorf("write %s event: %w", eventType, err)}
	}
	return WriteResult{Success: true, Attempts: attempts}
}

func encode(payload any) (string, error) {
	switch v := payload.(type) {
	case nil:
		return "{}", nil
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
