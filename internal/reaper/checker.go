package reaper

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/samotage/headspace/internal/models"
)

// Liveness is the outcome of a pane check.
type Liveness int

const (
	// Unknown means the check was inconclusive. An unknown pane is never reaped.
	Unknown Liveness = iota
	Alive
	Dead
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "alive"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// PaneStatus is a checker's verdict. Reason is set when Dead.
type PaneStatus struct {
	Liveness Liveness
	Reason   models.EndReason
}

// PaneChecker reports whether the process behind a pane id is alive.
type PaneChecker interface {
	CheckPane(ctx context.Context, pane string) (PaneStatus, error)
}

// CommandRunner executes an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// DefaultCheckTimeout bounds each liveness subprocess.
const DefaultCheckTimeout = 5 * time.Second

// TmuxChecker looks for ProcessName in a tmux pane's process tree.
type TmuxChecker struct {
	ProcessName string
	Timeout     time.Duration
	Run         CommandRunner
}

// NewTmuxChecker returns a TmuxChecker for processName.
func NewTmuxChecker(processName string, timeout time.Duration) *TmuxChecker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &TmuxChecker{ProcessName: processName, Timeout: timeout, Run: defaultRunner}
}

// CheckPane returns Dead with pane_not_found when tmux no longer knows the
// pane, Dead with claude_exited when the pane lives but the process is gone,
// and Alive otherwise. Failures to run tmux or ps are Unknown.
func (c *TmuxChecker) CheckPane(ctx context.Context, pane string) (PaneStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	out, err := c.Run(ctx, "tmux", "display-message", "-p", "-t", pane, "#{pane_pid}")
	if err != nil {
		msg := strings.ToLower(string(out))
		if strings.Contains(msg, "can't find pane") || strings.Contains(msg, "no server running") ||
			strings.Contains(msg, "can't find window") || strings.Contains(msg, "can't find session") {
			return PaneStatus{Liveness: Dead, Reason: models.EndReasonPaneNotFound}, nil
		}
		return PaneStatus{}, fmt.Errorf("tmux display-message: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return PaneStatus{}, fmt.Errorf("parse pane pid %q: %w", strings.TrimSpace(string(out)), err)
	}

	out, err = c.Run(ctx, "ps", "-A", "-o", "pid=,ppid=,comm=")
	if err != nil {
		return PaneStatus{}, fmt.Errorf("ps: %w", err)
	}
	if hasDescendant(parseProcessTable(string(out)), pid, c.ProcessName) {
		return PaneStatus{Liveness: Alive}, nil
	}
	return PaneStatus{Liveness: Dead, Reason: models.EndReasonClaudeExited}, nil
}

type process struct {
	ppid int
	comm string
}

// parseProcessTable parses `ps -o pid=,ppid=,comm=` output.
func parseProcessTable(out string) map[int]process {
	procs := map[int]process{}
	for line := range strings.SplitSeq(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		ppid, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		procs[pid] = process{ppid: ppid, comm: strings.Join(fields[2:], " ")}
	}
	return procs
}

// hasDescendant reports whether root or any process below it is named name.
func hasDescendant(procs map[int]process, root int, name string) bool {
	children := map[int][]int{}
	for pid, p := range procs {
		children[p.ppid] = append(children[p.ppid], pid)
	}
	seen := map[int]bool{}
	queue := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if seen[pid] {
			continue
		}
		seen[pid] = true
		if p, ok := procs[pid]; ok && filepath.Base(p.comm) == name {
			return true
		}
		queue = append(queue, children[pid]...)
	}
	return false
}
