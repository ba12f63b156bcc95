package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	ftemcp "github.com/valter-silva-au/digital-fte/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "MCP server commands",
	Long:  "Commands for running the fte MCP (Model Context Protocol) server.",
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fte MCP server on stdio",
	Long: `Start the fte MCP server on stdio transport.

The server exposes the mailbox as MCP tools an agent can call: list_items,
get_item, claim_item, release_item, resolve_item, get_status, get_metrics,
get_alerts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Queue == nil {
			return fmt.Errorf("vault not initialized")
		}

		srv := ftemcp.NewServer(Queue, Dashboard, MetricsCalc, AlertEngine, appVersion)

		ctx, stop := signalContext()
		defer stop()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("running MCP server: %w", err)
		}

		return nil
	},
}

func init() {
	mcpCmd.AddCommand(mcpServeCmd)
	rootCmd.AddCommand(mcpCmd)
}
