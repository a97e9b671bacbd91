package cmd

import (
	"github.com/spf13/cobra"

	"github.com/samotage/headspace/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets Claude Code inspect and drive headspace natively. Configure it
with:

  {
    "mcpServers": {
      "headspace": { "command": "headspace", "args": ["mcp"] }
    }
  }

Available tools: headspace_process_turn, headspace_reconcile, headspace_reap,
headspace_list_agents, headspace_classify`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		return mcp.NewServer(a, buildVersion).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
