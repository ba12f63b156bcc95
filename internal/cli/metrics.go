package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/digital-fte/internal/core"
	ftemcp "github.com/valter-silva-au/digital-fte/internal/mcp"
)

var (
	metricsJSON  bool
	metricsSince string
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Display mailbox and orchestrator metrics",
	Long: `Display aggregated metrics derived from the audit log.

Metrics include items created, claimed, released and completed, approvals,
quarantines, claim conflicts, orchestrator runs by status, and the median
time from creation to resolution.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if MetricsCalc == nil {
			return fmt.Errorf("metrics calculator not initialized (observability may be disabled)")
		}

		since := strings.TrimSpace(metricsSince)
		if since == "" {
			since = "7d"
		}
		sinceTime, err := ftemcp.ParseSince(since, time.Now())
		if err != nil {
			return fmt.Errorf("parsing --since: %w", err)
		}

		metrics, err := MetricsCalc.Calculate(sinceTime)
		if err != nil {
			return fmt.Errorf("calculating metrics: %w", err)
		}

		out := cmd.OutOrStdout()
		if metricsJSON {
			data, err := json.MarshalIndent(metrics, "", "  ")
			if err != nil {
				return fmt.Errorf("formatting metrics as JSON: %w", err)
			}
			fmt.Fprintln(out, string(data))
			return nil
		}

		// Table format.
		fmt.Fprintf(out, "Metrics (since %s)\n\n", sinceTime.Format("2006-01-02"))
		fmt.Fprintf(out, "  %-24s %d\n", "Events recorded:", metrics.EventCount)
		fmt.Fprintf(out, "  %-24s %d\n", "Items created:", metrics.ItemsCreated)
		fmt.Fprintf(out, "  %-24s %d\n", "Items claimed:", metrics.ItemsClaimed)
		fmt.Fprintf(out, "  %-24s %d\n", "Items released:", metrics.ItemsReleased)
		fmt.Fprintf(out, "  %-24s %d\n", "Items completed:", metrics.ItemsCompleted)
		fmt.Fprintf(out, "  %-24s %d\n", "Items rejected:", metrics.ItemsRejected)
		fmt.Fprintf(out, "  %-24s %d\n", "Approvals required:", metrics.ApprovalsRequired)
		fmt.Fprintf(out, "  %-24s %d\n", "Escalations:", metrics.Escalations)
		fmt.Fprintf(out, "  %-24s %d\n", "Quarantined:", metrics.Quarantined)
		fmt.Fprintf(out, "  %-24s %d\n", "Claim conflicts:", metrics.Conflicts)
		fmt.Fprintf(out, "  %-24s %d\n", "Failures:", metrics.Failures)
		fmt.Fprintf(out, "  %-24s %d\n", "Dry-run operations:", metrics.DryRunOps)
		fmt.Fprintf(out, "  %-24s %s\n", "Median cycle time:", core.FormatAge(metrics.MedianCycleTime))

		printCounts(cmd, "Orchestrator runs", metrics.RunsByStatus)
		printCounts(cmd, "Transitions by stage", metrics.TransitionsByTo)
		printCounts(cmd, "Claims by owner", metrics.ClaimsByActor)

		if metrics.OldestEvent != nil {
			fmt.Fprintf(out, "\n  %-24s %s\n", "Oldest event:", metrics.OldestEvent.Format(time.RFC3339))
		}
		if metrics.NewestEvent != nil {
			fmt.Fprintf(out, "  %-24s %s\n", "Newest event:", metrics.NewestEvent.Format(time.RFC3339))
		}

		return nil
	},
}

func printCounts(cmd *cobra.Command, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n  %s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(out, "    %-20s %d\n", k+":", counts[k])
	}
}

func init() {
	metricsCmd.Flags().BoolVar(&metricsJSON, "json", false, "Output metrics as JSON")
	metricsCmd.Flags().StringVar(&metricsSince, "since", "7d", "Time window for metrics (e.g. 7d, 30d, 24h)")
	rootCmd.AddCommand(metricsCmd)
}
