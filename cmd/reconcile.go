package cmd

import (
	"context"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/samotage/headspace/internal/transcript"
)

var reconcileLocal bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <agent-id>",
	Short: "Reconcile an agent's turns against its transcript",
	Long: `Read new transcript entries for an agent, correct the timestamps of
turns already recorded from hooks and create turns the hooks missed.

Running it twice in a row changes nothing the second time.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reconcileRun(cmd.Context(), args[0])
	},
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileLocal, "local", false, "Reconcile in this process even if a server is running")
	rootCmd.AddCommand(reconcileCmd)
}

func reconcileRun(ctx context.Context, agentID string) error {
	if dryRun {
		ui.DryRunMsg("Would reconcile agent %s", agentID)
		return nil
	}

	var res *transcript.Result
	if c := runningServer(); c != nil && !reconcileLocal {
		ui.VerboseLog("Forwarding to server at %s", c.base)
		res = &transcript.Result{}
		if err := c.post(ctx, "/api/v1/agents/"+url.PathEscape(agentID)+"/reconcile", nil, res); err != nil {
			return err
		}
	} else {
		a, err := getApp(ctx)
		if err != nil {
			return err
		}
		res, err = a.ReconcileAgent(ctx, agentID)
		if err != nil {
			return err
		}
	}

	if jsonOut {
		return ui.JSON(res)
	}

	if res.Status == transcript.StatusBusy {
		ui.Warning("A reconcile pass is already running for %s", agentID)
		return nil
	}
	ui.Success("Reconciled %s: %d updated, %d created, %d skipped", shortID(agentID), len(res.Updated), len(res.Created), res.Skipped)
	if res.Malformed > 0 {
		ui.Warning("%d malformed transcript lines ignored", res.Malformed)
	}
	ui.VerboseLog("Transcript offset: %d", res.Offset)
	return nil
}
