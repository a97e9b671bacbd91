package reaper

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/samotage/headspace/internal/models"
)

// ITermChecker checks whether an iTerm2 session id still exists.
type ITermChecker struct {
	Timeout time.Duration
	Run     CommandRunner
}

// NewITermChecker returns an ITermChecker, or nil when not on macOS.
func NewITermChecker(timeout time.Duration) *ITermChecker {
	if runtime.GOOS != "darwin" {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &ITermChecker{Timeout: timeout, Run: defaultRunner}
}

func (c *ITermChecker) CheckPane(ctx context.Context, pane string) (PaneStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	id := strings.ReplaceAll(pane, `"`, `\"`)
	script := fmt.Sprintf(`if application "iTerm2" is not running then return "missing"
tell application "iTerm2"
	repeat with w in windows
		repeat with t in tabs of w
			repeat with s in sessions of t
				if id of s is "%s" then return "alive"
			end repeat
		end repeat
	end repeat
end tell
return "missing"`, id)

	out, err := c.Run(ctx, "osascript", "-e", script)
	if err != nil {
		return PaneStatus{}, fmt.Errorf("osascript: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	switch strings.TrimSpace(string(out)) {
	case "alive":
		return PaneStatus{Liveness: Alive}, nil
	case "missing":
		return PaneStatus{Liveness: Dead, Reason: models.EndReasonPaneNotFound}, nil
	default:
		return PaneStatus{}, nil
	}
}
