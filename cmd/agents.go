package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/samotage/headspace/internal/models"
	"github.com/samotage/headspace/internal/output"
	"github.com/samotage/headspace/internal/store"
)

var (
	agentsAll   bool
	agentsLimit int
)

var agentsCmd = &cobra.Command{
	Use:     "agents",
	Aliases: []string{"agent", "ls"},
	Short:   "List tracked agents and their task state",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentsListRun(cmd.Context())
	},
}

var agentsShowCmd = &cobra.Command{
	Use:   "show <agent-id>",
	Short: "Show an agent's tasks and turns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentsShowRun(cmd.Context(), args[0])
	},
}

func init() {
	agentsCmd.Flags().BoolVarP(&agentsAll, "all", "a", false, "Include ended agents")
	agentsCmd.Flags().IntVar(&agentsLimit, "limit", 50, "Max agents to show with --all")

	agentsCmd.AddCommand(agentsShowCmd)
	rootCmd.AddCommand(agentsCmd)
}

// agentRow is one agent with its open task.
type agentRow struct {
	ID               string           `json:"id"`
	WorkingDirectory string           `json:"working_directory"`
	State            models.TaskState `json:"state"`
	TaskID           string           `json:"task_id,omitempty"`
	TmuxPane         string           `json:"tmux_pane,omitempty"`
	LastSeenAt       time.Time        `json:"last_seen_at"`
	EndReason        models.EndReason `json:"end_reason,omitempty"`
}

func agentsListRun(ctx context.Context) error {
	a, err := getApp(ctx)
	if err != nil {
		return err
	}

	var agents []*models.Agent
	if agentsAll {
		agents, err = a.Store.ListAgents(ctx, agentsLimit)
	} else {
		agents, err = a.Store.ListActiveAgents(ctx)
	}
	if err != nil {
		return err
	}

	rows := make([]agentRow, 0, len(agents))
	for _, ag := range agents {
		row := agentRow{
			ID:               ag.ID,
			WorkingDirectory: ag.WorkingDirectory,
			State:            models.TaskStateIdle,
			TmuxPane:         ag.TmuxPane,
			LastSeenAt:       ag.LastSeenAt,
			EndReason:        ag.EndReason,
		}
		t, err := a.Store.GetOpenTask(ctx, ag.ID)
		switch {
		case err == nil:
			row.State, row.TaskID = t.State, t.ID
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		rows = append(rows, row)
	}

	if jsonOut {
		return ui.JSON(rows)
	}
	if len(rows) == 0 {
		ui.Info("No active agents. Start a Claude Code session with the headspace hooks installed.")
		return nil
	}

	now := time.Now()
	table := ui.Table([]string{"Agent", "Directory", "State", "Pane", "Seen", "Ended"})
	for _, r := range rows {
		state := output.TaskStateColor(r.State)
		ended := "-"
		if r.EndReason != "" {
			state = output.Faint(string(r.State))
			ended = string(r.EndReason)
		}
		table.Append([]string{
			output.Cyan(shortID(r.ID)),
			shortenHome(r.WorkingDirectory),
			state,
			dash(r.TmuxPane),
			output.Age(r.LastSeenAt, now),
			ended,
		})
	}
	table.Render()
	return nil
}

func agentsShowRun(ctx context.Context, id string) error {
	a, err := getApp(ctx)
	if err != nil {
		return err
	}
	ag, err := a.Store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	tasks, err := a.Store.ListTasks(ctx, ag.ID)
	if err != nil {
		return err
	}

	type taskOut struct {
		*models.Task
		Turns []*models.Turn
	}
	out := struct {
		Agent *models.Agent
		Tasks []taskOut
	}{Agent: ag}
	for _, t := range tasks {
		turns, err := a.Store.ListTurns(ctx, t.ID)
		if err != nil {
			return err
		}
		out.Tasks = append(out.Tasks, taskOut{Task: t, Turns: turns})
	}

	if jsonOut {
		return ui.JSON(out)
	}

	ui.Info("Agent %s", output.Cyan(ag.ID))
	fmt.Fprintf(ui.Out, "  Directory:  %s\n", ag.WorkingDirectory)
	fmt.Fprintf(ui.Out, "  Session:    %s\n", dash(ag.ClaudeSessionID))
	fmt.Fprintf(ui.Out, "  Transcript: %s\n", dash(ag.TranscriptPath))
	fmt.Fprintf(ui.Out, "  Panes:      tmux %s, window %s\n", dash(ag.TmuxPane), dash(ag.WindowPane))
	fmt.Fprintf(ui.Out, "  Started:    %s\n", ag.StartedAt.Local().Format(time.DateTime))
	if ag.EndedAt != nil {
		fmt.Fprintf(ui.Out, "  Ended:      %s (%s)\n", ag.EndedAt.Local().Format(time.DateTime), ag.EndReason)
	}

	for _, t := range out.Tasks {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "Task %s  %s\n", shortID(t.ID), output.TaskStateColor(t.State))
		if t.Instruction != "" {
			fmt.Fprintf(ui.Out, "  %s\n", truncate(t.Instruction, 100))
		}
		table := ui.Table([]string{"Time", "Actor", "Intent", "Conf", "Src", "Text"})
		for _, tr := range t.Turns {
			table.Append([]string{
				tr.Timestamp.Local().Format(time.TimeOnly),
				string(tr.Actor),
				string(tr.Intent),
				output.ConfidenceColor(tr.Confidence),
				string(tr.TimestampSource),
				truncate(tr.Text, 60),
			})
		}
		table.Render()
		if t.CompletionSummary != "" {
			fmt.Fprintf(ui.Out, "  Summary: %s\n", truncate(t.CompletionSummary, 200))
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncate flattens s to one line of at most n runes.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func shortenHome(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == home {
		return "~"
	}
	if rest, ok := strings.CutPrefix(path, home+"/"); ok {
		return "~/" + rest
	}
	return path
}
