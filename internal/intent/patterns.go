package intent

import "regexp"

// pattern is one named rule in a family.
type pattern struct {
	name string
	re   *regexp.Regexp
	// guarded patterns are ignored when the final lines look forward to
	// more work.
	guarded bool
}

func p(name, expr string) pattern {
	return pattern{name: name, re: regexp.MustCompile(expr)}
}

func guarded(name, expr string) pattern {
	return pattern{name: name, re: regexp.MustCompile(expr), guarded: true}
}

// Lines are lowercased and stripped of list and emphasis markers before
// these run. The "?" suffix rule is handled separately in questionLine.
var questionPatterns = []pattern{
	p("modal-would-you", `\b(would|do) you (like|want|prefer)\b`),
	p("modal-should-i", `\b(should|shall) i\b`),
	p("modal-how-would", `\bhow would you like\b`),
	p("modal-confirm", `\b(please|can you|could you) (confirm|advise|clarify)\b`),
	p("modal-which", `\bwhich (option|approach|one|version)\b.*\byou\b`),
	p("modal-let-me-know-which", `\blet me know (which|whether|how)\b`),
	p("awaiting-input", `\b(waiting (for|on) your|need your (input|confirmation|approval|decision|permission|go-ahead))\b`),
	p("before-proceeding", `\bbefore i (proceed|continue|go ahead)\b`),
	p("blocked", `\bi(?:'m| am) (blocked|stuck)\b`),
	p("blocked-on", `\bblocked (on|by)\b`),
	p("cannot-proceed", `\b(unable|cannot|can't|can not) (to )?(proceed|continue)\b`),
	p("permission-denied", `\bpermission denied\b`),
	p("needs-permission", `\b(requires?|needs?) (your )?(approval|permission)\b`),
}

var completionPatterns = []pattern{
	p("terminal-marker", `^(✅\s*)?(all )?(done|complete|completed|finished)[.!]*$`),
	p("task-complete", `^(✅\s*)?(the )?task (is )?(now )?(complete|completed|done|finished)\b`),
	p("all-done", `^(✅\s*)?all (tasks|changes|steps|items|work) (are |is )?(now )?(done|complete|completed|finished|in place)\b`),
	guarded("done-opener", `^(✅\s*)?(done|finished|completed|all set)\s*[!.:,-]+\s*\S`),
	p("finished-statement", `\bi(?:'ve| have) (now )?(successfully )?(finished|completed)\b`),
	guarded("artifact-created", `^(i(?:'ve| have) )?(now )?(successfully )?(created|added|written|wrote|updated|implemented|fixed|refactored|removed|renamed|moved)\b.*\b(file|files|test|tests|function|functions|module|package|endpoint|migration|component|class|method|handler|script|config|configuration|docs|documentation|readme|changes)\b`),
	p("tests-passed", `\b(\d+ (tests?|specs?|checks?) (passed|passing|pass)|all (\d+ )?(tests?|specs?|checks?) (pass|passed|passing|are passing|now pass))\b`),
}

// failureCount marks a test summary that also reports failures.
var failureCount = regexp.MustCompile(`\b[1-9]\d* (failed|failures?|failing|errors?)\b`)

// continuationGuard marks forward-looking language in the final lines.
var continuationGuard = regexp.MustCompile(`\b(next,? i(?:'ll| will)|i(?:'ll| will) now|now i(?:'ll| will)|now let me|let me now|let me next|still need to|remaining steps?|next steps? (is|are)|then i(?:'ll| will)|moving on to|continuing with|i(?:'ll| will) continue)\b`)

var softClose = regexp.MustCompile(`\b(let me know if|feel free to|if you(?:'d| would) like|if you have any (questions|feedback)|happy to help|hope (this|that) helps|anything else)\b`)

var bulletLine = regexp.MustCompile(`^\s*(?:[-*•+]|\d+[.)])\s+`)

var summaryHeading = regexp.MustCompile(`^summary\b.{0,30}$`)

// selfAnswer marks a line where the agent answers its own question.
var selfAnswer = regexp.MustCompile(`^(let me|let's|i(?:'ll| will)|i need to|checking|looking)\b`)

// Affirmatives count as a confirmation only when the whole message is made
// of them, e.g. "yes", "ok, go ahead", "yes please".
var bareAffirmative = regexp.MustCompile(`^(?:(?:yes|y|yeah|yep|yup|sure|ok|okay|k|please|please do|go ahead|proceed|continue|do it|sounds good|looks good|lgtm|approved?|go for it|correct|confirmed|ship it|👍)[\s,.!]*)+$`)

var planApproval = regexp.MustCompile(`\b(approve[ds]?( the| this| that)? plan|plan (looks good|is approved|approved)|proceed with (the|that|this|your) (plan|approach)|go ahead with (the|that|this|your) (plan|approach)|(implement|execute) (the|that|this|your) plan)\b`)

// maxAffirmativeLen bounds how long a confirming user message may be.
const maxAffirmativeLen = 80
