package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/samotage/headspace/internal/app"
	"github.com/samotage/headspace/internal/correlator"
	"github.com/samotage/headspace/internal/models"
	"github.com/samotage/headspace/internal/output"
)

var (
	turnSession  string
	turnCwd      string
	turnStableID string
	turnActor    string
	turnLocal    bool
)

var turnCmd = &cobra.Command{
	Use:   "turn [text]",
	Short: "Record one turn for a session",
	Long: `Record a user or agent turn as if it had arrived from a hook.

The session is resolved by --session, --stable-id or the project root of
--cwd. Text is read from the arguments, or from stdin when none are given
or the only argument is "-".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readText(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		return turnRun(cmd.Context(), text)
	},
}

func init() {
	wd, _ := os.Getwd()
	turnCmd.Flags().StringVar(&turnSession, "session", "", "Claude session id")
	turnCmd.Flags().StringVar(&turnCwd, "cwd", wd, "Working directory of the session")
	turnCmd.Flags().StringVar(&turnStableID, "stable-id", "", "Launcher-assigned stable session id")
	turnCmd.Flags().StringVar(&turnActor, "actor", "user", "Who produced the text (user|agent)")
	turnCmd.Flags().BoolVar(&turnLocal, "local", false, "Record in this process even if a server is running")
	rootCmd.AddCommand(turnCmd)
}

// turnOutcome mirrors the hook receiver's turn response.
type turnOutcome struct {
	AgentID    string  `json:"agent_id"`
	Method     string  `json:"method"`
	TaskID     string  `json:"task_id,omitempty"`
	State      string  `json:"state,omitempty"`
	TurnID     string  `json:"turn_id,omitempty"`
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	NewTask    bool    `json:"new_task"`
}

func turnRun(ctx context.Context, text string) error {
	actor := models.Actor(turnActor)
	if !actor.Valid() {
		return fmt.Errorf("invalid actor %q (want user or agent)", turnActor)
	}
	if dryRun {
		ui.DryRunMsg("Would record %s turn for %s", actor, dash(turnSession))
		return nil
	}

	var (
		out *turnOutcome
		err error
	)
	if c := runningServer(); c != nil && !turnLocal {
		ui.VerboseLog("Forwarding to server at %s", c.base)
		out, err = forwardTurn(ctx, c, actor, text)
	} else {
		out, err = localTurn(ctx, actor, text)
	}
	if err != nil {
		return err
	}

	if jsonOut {
		return ui.JSON(out)
	}
	created := ""
	if out.NewTask {
		created = " (new task)"
	}
	ui.Success("Agent %s task %s: %s%s",
		shortID(out.AgentID), shortID(out.TaskID), output.TaskStateColor(models.TaskState(out.State)), created)
	ui.VerboseLog("Intent %s, confidence %.2f, correlated by %s", out.Intent, out.Confidence, out.Method)
	return nil
}

func localTurn(ctx context.Context, actor models.Actor, text string) (*turnOutcome, error) {
	a, err := getApp(ctx)
	if err != nil {
		return nil, err
	}
	res, err := a.HandleTurn(ctx, app.TurnRequest{
		Session: correlator.Request{SessionID: turnSession, WorkingDirectory: turnCwd, StableID: turnStableID},
		Actor:   actor,
		Text:    text,
	})
	if err != nil {
		return nil, err
	}

	out := &turnOutcome{AgentID: res.Agent.ID, Method: string(res.Correlation.Method)}
	if r := res.Result; r != nil {
		out.TurnID = r.TurnID
		out.Intent = string(r.Intent.Intent)
		out.Confidence = r.Intent.Confidence
		out.NewTask = r.NewTaskCreated
		if r.Task != nil {
			out.TaskID, out.State = r.Task.ID, string(r.Task.State)
		}
	}
	return out, nil
}

// forwardTurn posts the turn to the hook that carries it: the prompt hook
// for user text, the stop hook for agent text.
func forwardTurn(ctx context.Context, c *serverClient, actor models.Actor, text string) (*turnOutcome, error) {
	body := map[string]string{
		"session_id":           turnSession,
		"cwd":                  turnCwd,
		"headspace_session_id": turnStableID,
	}
	path := "/hook/user-prompt-submit"
	if actor == models.ActorAgent {
		path = "/hook/stop"
		body["last_assistant_message"] = text
	} else {
		body["prompt"] = text
	}
	out := &turnOutcome{}
	if err := c.post(ctx, path, body, out); err != nil {
		return nil, err
	}
	return out, nil
}

// readText joins args, or reads r when args are empty or a lone "-".
func readText(args []string, r io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("no text given")
	}
	return text, nil
}
