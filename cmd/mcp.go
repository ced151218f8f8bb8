package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/sitedit/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for queue review",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client review the change-request queue. Configure it with:

  {
    "mcpServers": {
      "sitedit": { "command": "sitedit", "args": ["mcp"] }
    }
  }

Available tools: queue_list, queue_show, queue_approve, queue_reject,
queue_stats`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := ctxOrBackground(cmd.Context())
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return mcp.NewServer(a.review, buildVersion).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
