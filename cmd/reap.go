package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/samotage/headspace/internal/output"
	"github.com/samotage/headspace/internal/reaper"
)

var reapLocal bool

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Run one reaper sweep now",
	Long: `End every agent whose terminal pane is gone, whose Claude process has
exited, or that has been inactive past the timeout.

When a server is running the sweep runs inside it; use --local to sweep
from this process instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return reapRun(cmd.Context())
	},
}

func init() {
	reapCmd.Flags().BoolVar(&reapLocal, "local", false, "Sweep in this process even if a server is running")
	rootCmd.AddCommand(reapCmd)
}

func reapRun(ctx context.Context) error {
	if dryRun {
		ui.DryRunMsg("Would run a reaper sweep")
		return nil
	}

	var report *reaper.Report
	if c := runningServer(); c != nil && !reapLocal {
		ui.VerboseLog("Forwarding to server at %s", c.base)
		report = &reaper.Report{}
		if err := c.post(ctx, "/api/v1/reap", nil, report); err != nil {
			return err
		}
	} else {
		a, err := getApp(ctx)
		if err != nil {
			return err
		}
		report, err = a.Reaper.ReapOnce(ctx)
		if err != nil {
			return err
		}
	}

	if jsonOut {
		return ui.JSON(report)
	}
	printReport(report)
	return nil
}

func printReport(r *reaper.Report) {
	if r.Checked == 0 {
		ui.Info("No active agents")
		return
	}

	table := ui.Table([]string{"Agent", "Action", "Reason"})
	for _, d := range r.Details {
		reason := string(d.Reason)
		if d.Error != "" {
			reason = d.Error
		}
		table.Append([]string{shortID(d.AgentID), output.ActionColor(d.Action), reason})
	}
	table.Render()

	fmt.Fprintln(ui.Out)
	ui.Info("Checked %d: %s reaped, %d alive, %d in grace, %d inconclusive",
		r.Checked, output.Red(fmt.Sprint(r.Reaped)), r.SkippedAlive, r.SkippedGrace, r.SkippedError)
}
