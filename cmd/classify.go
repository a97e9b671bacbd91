package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/samotage/headspace/internal/intent"
	"github.com/samotage/headspace/internal/llm"
	"github.com/samotage/headspace/internal/models"
	"github.com/samotage/headspace/internal/output"
	"github.com/samotage/headspace/internal/state"
)

var (
	classifyActor string
	classifyState string
)

var classifyCmd = &cobra.Command{
	Use:   "classify [text]",
	Short: "Classify text without recording it",
	Long: `Show which intent a turn would be classified as, and where the task
state machine would move from --state.

Text is read from the arguments, or from stdin when none are given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readText(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		return classifyRun(cmd, text)
	},
}

func init() {
	classifyCmd.Flags().StringVar(&classifyActor, "actor", "agent", "Who produced the text (user|agent)")
	classifyCmd.Flags().StringVar(&classifyState, "state", string(models.TaskStateProcessing), "Current task state")
	rootCmd.AddCommand(classifyCmd)
}

// classification is the classify command's result.
type classification struct {
	intent.Result
	From       models.TaskState `json:"from"`
	NextState  models.TaskState `json:"next_state,omitempty"`
	CreateTask bool             `json:"creates_task,omitempty"`
	Invalid    string           `json:"invalid,omitempty"`
}

func classifyRun(cmd *cobra.Command, text string) error {
	actor := models.Actor(classifyActor)
	if !actor.Valid() {
		return fmt.Errorf("invalid actor %q (want user or agent)", classifyActor)
	}
	current := models.TaskState(classifyState)
	if !current.Valid() {
		return fmt.Errorf("invalid state %q", classifyState)
	}

	cfg := loadConfig()
	var inferrer intent.Inferrer
	if cfg.Classifier.Inference {
		inferrer = llm.NewClient(cfg.Anthropic.APIKey, cfg.Anthropic.Model)
	}
	det := intent.NewDetector(intent.New(cfg.Classifier.TailLines), inferrer, logger)

	out := classification{Result: det.Detect(cmd.Context(), actor, text, current), From: current}
	if tr, err := state.Lookup(current, actor, out.Intent); err != nil {
		out.Invalid = err.Error()
	} else {
		out.NextState, out.CreateTask = tr.To, tr.CreatesTask
	}

	if jsonOut {
		return ui.JSON(out)
	}

	pattern := out.MatchedPattern
	if pattern == "" {
		pattern = "(default)"
	}
	fmt.Fprintf(ui.Out, "Intent:     %s\n", output.Cyan(string(out.Intent)))
	fmt.Fprintf(ui.Out, "Confidence: %s\n", output.ConfidenceColor(out.Confidence))
	fmt.Fprintf(ui.Out, "Pattern:    %s\n", pattern)
	if out.Invalid != "" {
		ui.Warning("%s", out.Invalid)
		return nil
	}
	next := output.TaskStateColor(out.NextState)
	if out.CreateTask {
		next += " (new task)"
	}
	fmt.Fprintf(ui.Out, "Transition: %s → %s\n", output.TaskStateColor(current), next)
	return nil
}
