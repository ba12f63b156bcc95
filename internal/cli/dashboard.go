package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/digital-fte/internal/core"
)

var (
	dashboardPrint bool
	dashboardJSON  bool
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Rewrite Dashboard.md from the current vault",
	Long: `Aggregate every stage of the vault into Dashboard.md. The dashboard is a
report only and is never read back. Use --print to write it to stdout as
well, or --json for the underlying summary.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Dashboard == nil {
			return fmt.Errorf("vault not initialized")
		}
		out := cmd.OutOrStdout()

		summary, err := Dashboard.Render()
		if err != nil {
			return fmt.Errorf("rendering dashboard: %w", err)
		}

		switch {
		case dashboardJSON:
			data, err := json.MarshalIndent(summary, "", "  ")
			if err != nil {
				return fmt.Errorf("formatting summary as JSON: %w", err)
			}
			fmt.Fprintln(out, string(data))
		case dashboardPrint:
			content, err := core.RenderDashboard(summary)
			if err != nil {
				return fmt.Errorf("rendering dashboard: %w", err)
			}
			fmt.Fprint(out, content)
		default:
			if summary.DryRun {
				fmt.Fprintf(out, "[dry run] would have written %s (%d item(s))\n", Dashboard.Path(), summary.Total())
			} else {
				fmt.Fprintf(out, "Wrote %s (%d item(s))\n", Dashboard.Path(), summary.Total())
			}
		}
		return nil
	},
}

func init() {
	dashboardCmd.Flags().BoolVar(&dashboardPrint, "print", false, "Also print the dashboard")
	dashboardCmd.Flags().BoolVar(&dashboardJSON, "json", false, "Print the summary as JSON")
	rootCmd.AddCommand(dashboardCmd)
}
