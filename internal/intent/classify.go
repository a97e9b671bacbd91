// Package intent classifies turn text into an intent.
//
// Classification is a pure function of (actor, text, state). Confidence is
// ordinal telemetry: 1.0 for a match in the tail, 0.8 for a match only in
// the full text, 0.5 to 0.75 for heuristics and the default.
package intent

import (
	"regexp"
	"strings"

	"github.com/samotage/headspace/internal/models"
)

// DefaultTailLines is the number of trailing non-empty lines scanned first.
const DefaultTailLines = 8

// Confidence levels.
const (
	ConfidenceTail     = 1.0
	ConfidenceFullText = 0.8
	ConfidenceInline   = 0.75
	ConfidenceSummary  = 0.6
	ConfidenceDefault  = 0.5
)

const (
	// finalLines is how many trailing lines the continuation guard inspects.
	finalLines = 2
	// minSummaryBullets is the bullet count that makes a structured summary.
	minSummaryBullets = 3
)

// Result is the outcome of one classification.
type Result struct {
	Intent         models.Intent `json:"intent"`
	Confidence     float64       `json:"confidence"`
	MatchedPattern string        `json:"matched_pattern"`
}

// Matched reports whether a rule fired, as opposed to the default.
func (r Result) Matched() bool {
	return r.MatchedPattern != ""
}

// Classifier holds classification tuning. The zero value uses defaults.
type Classifier struct {
	TailLines int
}

// New returns a Classifier scanning tailLines trailing lines.
func New(tailLines int) *Classifier {
	return &Classifier{TailLines: tailLines}
}

// Classify runs the default classifier.
func Classify(actor models.Actor, text string, current models.TaskState) Result {
	return (&Classifier{}).Classify(actor, text, current)
}

// Classify maps text to an intent given the actor and the current state of
// the agent's open task (idle when there is none).
func (c *Classifier) Classify(actor models.Actor, text string, current models.TaskState) Result {
	if actor == models.ActorUser {
		return classifyUser(text, current)
	}
	tail := c.TailLines
	if tail <= 0 {
		tail = DefaultTailLines
	}
	return classifyAgent(text, tail)
}

func classifyUser(text string, current models.TaskState) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{Intent: models.IntentCommand, Confidence: ConfidenceDefault, MatchedPattern: "empty"}
	}

	switch current {
	case models.TaskStateAwaitingInput:
		return Result{Intent: models.IntentAnswer, Confidence: ConfidenceTail, MatchedPattern: "awaiting-input"}
	case models.TaskStateProcessing:
		lower := strings.ToLower(trimmed)
		if len(lower) <= maxAffirmativeLen {
			if bareAffirmative.MatchString(lower) {
				return Result{Intent: models.IntentAnswer, Confidence: ConfidenceTail, MatchedPattern: "affirmative"}
			}
			if planApproval.MatchString(lower) {
				return Result{Intent: models.IntentAnswer, Confidence: ConfidenceTail, MatchedPattern: "plan-approval"}
			}
		}
	}
	return Result{Intent: models.IntentCommand, Confidence: ConfidenceTail, MatchedPattern: "command"}
}

func classifyAgent(text string, tailLines int) Result {
	lines := contentLines(stripFences(text))
	if len(lines) == 0 {
		return Result{Intent: models.IntentProgress, Confidence: ConfidenceDefault}
	}

	tail := lines
	if len(tail) > tailLines {
		tail = lines[len(lines)-tailLines:]
	}
	guard := continues(lines)

	if r, ok := scan(tail, guard, ConfidenceTail); ok {
		return r
	}
	if endOfTask(lines, tail, guard) {
		return Result{Intent: models.IntentEndOfTask, Confidence: ConfidenceTail, MatchedPattern: "summary-soft-close"}
	}
	if len(tail) < len(lines) {
		if r, ok := scan(lines, guard, ConfidenceFullText); ok {
			return r
		}
	}

	if inlineQuestion(lines[len(lines)-1].text) {
		return Result{Intent: models.IntentQuestion, Confidence: ConfidenceInline, MatchedPattern: "inline-question"}
	}
	if !guard {
		for _, l := range tail {
			if summaryHeading.MatchString(l.text) {
				return Result{Intent: models.IntentCompletion, Confidence: ConfidenceSummary, MatchedPattern: "summary-heading"}
			}
		}
	}
	return Result{Intent: models.IntentProgress, Confidence: ConfidenceDefault}
}

// line is one non-empty line, lowercased with list, heading and emphasis
// markers removed.
type line struct {
	text   string
	bullet bool
}

// scan checks the question family, then the completion family.
func scan(lines []line, guard bool, confidence float64) (Result, bool) {
	for i, l := range lines {
		if questionLine(lines, i) {
			return Result{Intent: models.IntentQuestion, Confidence: confidence, MatchedPattern: "question-mark"}, true
		}
		if name, ok := match(questionPatterns, l.text, false); ok {
			return Result{Intent: models.IntentQuestion, Confidence: confidence, MatchedPattern: name}, true
		}
	}

	failures := false
	for _, l := range lines {
		if failureCount.MatchString(l.text) {
			failures = true
			break
		}
	}
	for _, l := range lines {
		name, ok := match(completionPatterns, l.text, guard)
		if !ok || (name == "tests-passed" && failures) {
			continue
		}
		return Result{Intent: models.IntentCompletion, Confidence: confidence, MatchedPattern: name}, true
	}
	return Result{}, false
}

func match(patterns []pattern, text string, guard bool) (string, bool) {
	for _, pt := range patterns {
		if pt.guarded && guard {
			continue
		}
		if pt.re.MatchString(text) {
			return pt.name, true
		}
	}
	return "", false
}

// questionLine reports whether lines[i] ends with a question mark and is not
// immediately answered by the agent itself.
func questionLine(lines []line, i int) bool {
	t := strings.TrimRight(lines[i].text, `*_)"' `)
	if !strings.HasSuffix(t, "?") {
		return false
	}
	if i+1 < len(lines) && selfAnswer.MatchString(lines[i+1].text) {
		return false
	}
	return true
}

// inlineQuestion reports a "?" in the final line that the agent does not
// go on to answer itself, as in "What broke? Let me check the logs."
func inlineQuestion(text string) bool {
	i := strings.LastIndex(text, "?")
	if i < 0 {
		return false
	}
	rest := strings.TrimLeft(text[i+1:], `*_)"' `)
	return !selfAnswer.MatchString(rest)
}

// endOfTask detects a bulleted summary closed by a soft invitation.
func endOfTask(lines, tail []line, guard bool) bool {
	if guard {
		return false
	}
	bullets := 0
	for _, l := range lines {
		if l.bullet {
			bullets++
		}
	}
	if bullets < minSummaryBullets {
		return false
	}
	for _, l := range tail {
		if softClose.MatchString(l.text) {
			return true
		}
	}
	return false
}

// continues reports whether the final lines look forward to more work.
func continues(lines []line) bool {
	start := len(lines) - finalLines
	if start < 0 {
		start = 0
	}
	for _, l := range lines[start:] {
		if continuationGuard.MatchString(l.text) {
			return true
		}
	}
	return false
}

var (
	fenceMarker   = regexp.MustCompile("^\\s*(```|~~~)")
	leadingMarker = regexp.MustCompile(`^(?:[>#]+\s*)+`)
	emphasis      = strings.NewReplacer("**", "", "__", "", "`", "", "’", "'")
	spaces        = regexp.MustCompile(`\s+`)
)

// stripFences removes fenced code blocks. An unclosed fence drops the rest.
func stripFences(text string) []string {
	var out []string
	var fence string
	for _, raw := range strings.Split(text, "\n") {
		if m := fenceMarker.FindStringSubmatch(raw); m != nil {
			switch fence {
			case "":
				fence = m[1]
			case m[1]:
				fence = ""
			}
			continue
		}
		if fence == "" {
			out = append(out, raw)
		}
	}
	return out
}

func contentLines(raw []string) []line {
	var out []line
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		bullet := bulletLine.MatchString(r)
		t := strings.TrimSpace(r)
		if bullet {
			t = bulletLine.ReplaceAllString(t, "")
		}
		t = leadingMarker.ReplaceAllString(t, "")
		t = emphasis.Replace(t)
		t = strings.ToLower(strings.TrimSpace(spaces.ReplaceAllString(t, " ")))
		if t == "" {
			continue
		}
		out = append(out, line{text: t, bullet: bullet})
	}
	return out
}
