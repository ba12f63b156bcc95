package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/digital-fte/internal/observability"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Show active alerts and warnings",
	Long: `Evaluate alert conditions against the vault and the audit log and display
any triggered alerts, followed by the markers already in Alerts/.

Alerts check for stale claims, overdue approvals, a growing Needs_Action
backlog, quarantined items, and aborted orchestrator runs. With --sync the
evaluated alerts are written to Alerts/ and markers whose condition cleared
are removed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if AlertEngine == nil {
			return fmt.Errorf("alert engine not initialized (observability may be disabled)")
		}
		out := cmd.OutOrStdout()

		alerts, err := AlertEngine.Evaluate()
		if err != nil {
			return fmt.Errorf("evaluating alerts: %w", err)
		}

		if len(alerts) == 0 {
			fmt.Fprintln(out, "No active alerts.")
		} else {
			fmt.Fprintf(out, "%d active alert(s):\n\n", len(alerts))
			printAlerts(cmd, alerts)
		}

		sync, _ := cmd.Flags().GetBool("sync")
		if sync {
			if Markers == nil {
				return fmt.Errorf("alert markers not configured")
			}
			report, err := Markers.Sync(alerts)
			if err != nil {
				return fmt.Errorf("writing alert markers: %w", err)
			}
			fmt.Fprintf(out, "Markers: %d raised, %d cleared\n", len(report.Raised), len(report.Cleared))
		}

		if Markers != nil {
			markers, err := Markers.List()
			if err != nil {
				return fmt.Errorf("listing alert markers: %w", err)
			}
			if len(markers) > 0 {
				fmt.Fprintf(out, "\n%d marker(s) in %s:\n\n", len(markers), Markers.Dir())
				printAlerts(cmd, markers)
			}
		}

		notify, _ := cmd.Flags().GetBool("notify")
		if notify && len(alerts) > 0 {
			if Notifier == nil {
				return fmt.Errorf("notifier not configured (set notifications.slack_webhook_url)")
			}
			vault := ""
			if Store != nil {
				vault = Store.Root()
			}
			if err := Notifier.Notify(observability.NewNotices(vault, alerts)); err != nil {
				return fmt.Errorf("sending notifications: %w", err)
			}
			fmt.Fprintf(out, "Sent %d alert(s).\n", len(alerts))
		}

		return nil
	},
}

func printAlerts(cmd *cobra.Command, alerts []observability.Alert) {
	out := cmd.OutOrStdout()
	for _, alert := range alerts {
		severity := strings.ToUpper(string(alert.Severity))
		fmt.Fprintf(out, "  [%s] %s\n", severity, alert.Message)
		if !alert.TriggeredAt.IsZero() {
			fmt.Fprintf(out, "         triggered at %s\n", alert.TriggeredAt.Format("2006-01-02 15:04 UTC"))
		}
		fmt.Fprintln(out)
	}
}

func init() {
	alertsCmd.Flags().Bool("sync", false, "Write alert markers to Alerts/ and clear resolved ones")
	alertsCmd.Flags().Bool("notify", false, "Send active alerts to the configured notifier")
	rootCmd.AddCommand(alertsCmd)
}
