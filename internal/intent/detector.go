package intent

import (
	"context"

	"go.uber.org/zap"

	"github.com/samotage/headspace/internal/models"
)

// Inferrer is an external classifier consulted when no agent pattern matched.
type Inferrer interface {
	InferIntent(ctx context.Context, actor models.Actor, text string, current models.TaskState) (models.Intent, float64, error)
}

// Detector wraps a Classifier with an optional Inferrer.
type Detector struct {
	classifier *Classifier
	inferrer   Inferrer
	logger     *zap.Logger
}

// NewDetector creates a Detector. inferrer may be nil.
func NewDetector(c *Classifier, inferrer Inferrer, logger *zap.Logger) *Detector {
	if c == nil {
		c = &Classifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{classifier: c, inferrer: inferrer, logger: logger.Named("intent")}
}

// Detect classifies text. Inference only runs for agent text that fell
// through to the default, and its failures keep the pattern result.
func (d *Detector) Detect(ctx context.Context, actor models.Actor, text string, current models.TaskState) Result {
	r := d.classifier.Classify(actor, text, current)
	if d.inferrer == nil || actor != models.ActorAgent || r.Matched() {
		return r
	}

	inferred, confidence, err := d.inferrer.InferIntent(ctx, actor, text, current)
	if err != nil {
		d.logger.Warn("intent inference failed", zap.Error(err))
		return r
	}
	if !agentIntent(inferred) {
		d.logger.Debug("inference returned non-agent intent", zap.String("intent", string(inferred)))
		return r
	}
	return Result{Intent: inferred, Confidence: clamp(confidence, ConfidenceDefault, ConfidenceInline), MatchedPattern: "inference"}
}

func agentIntent(i models.Intent) bool {
	switch i {
	case models.IntentQuestion, models.IntentCompletion, models.IntentEndOfTask, models.IntentProgress:
		return true
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
