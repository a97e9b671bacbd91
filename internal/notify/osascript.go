package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// OSANotifier posts macOS notifications through osascript.
type OSANotifier struct {
	// Timeout bounds each osascript invocation.
	Timeout time.Duration
	run     func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewOSANotifier returns an OSANotifier, or nil when not on macOS.
func NewOSANotifier() *OSANotifier {
	if runtime.GOOS != "darwin" {
		return nil
	}
	return &OSANotifier{Timeout: 5 * time.Second, run: combinedOutput}
}

func combinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (o *OSANotifier) Notify(ctx context.Context, n Notification) error {
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	script := fmt.Sprintf(`display notification "%s" with title "headspace" subtitle "%s"`,
		escapeAppleScript(n.Message), escapeAppleScript(n.Title))
	out, err := o.run(ctx, "osascript", "-e", script)
	if err != nil {
		return fmt.Errorf("osascript notification: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// escapeAppleScript quotes s for use inside an AppleScript string literal.
func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
