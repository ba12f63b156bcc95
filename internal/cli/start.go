package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/digital-fte/internal/core"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the watchers and keep the dashboard current",
	Long: `Start every enabled watcher and run until interrupted. Every
dashboard_interval the dashboard is rewritten, expired approvals are swept,
stale claims are reclaimed, and alert markers are brought up to date.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Queue == nil || Config == nil || NewWatchers == nil {
			return fmt.Errorf("vault not initialized")
		}
		out := cmd.OutOrStdout()

		if Layout != nil {
			report, err := Layout.Reconcile()
			if err != nil {
				return fmt.Errorf("reconciling vault: %w", err)
			}
			if report.Changed() {
				fmt.Fprintf(out, "Vault reconciled: %d folder(s) created, %d temp file(s) removed, %d file(s) quarantined, %d item(s) recovered\n",
					len(report.Created), len(report.TempRemoved), len(report.Quarantined), len(report.Recovered))
			}
		}

		watchers, closeWatchers, err := NewWatchers()
		if err != nil {
			return fmt.Errorf("starting watchers: %w", err)
		}
		defer closeWatchers()

		mode := "production"
		if Config.DryRun {
			mode = "dry run"
		}
		fmt.Fprintf(out, "Digital FTE started in %s mode with %d watcher(s). Press Ctrl-C to stop.\n", mode, len(watchers))

		ctx, stop := signalContext()
		defer stop()

		done := make(chan error, 1)
		go func() {
			done <- core.RunWatchers(ctx, watchers)
		}()

		interval := Config.Orchestrator.DashboardInterval
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		housekeep()
		for {
			select {
			case <-ctx.Done():
				err := <-done
				housekeep()
				fmt.Fprintln(out, "Digital FTE stopped.")
				return err
			case err := <-done:
				// Every watcher exited on its own; only fatal errors get here.
				housekeep()
				return err
			case <-ticker.C:
				housekeep()
			}
		}
	},
}

// housekeep runs the periodic maintenance pass. Failures are logged; the
// next tick tries again.
func housekeep() {
	if Queue != nil {
		if report, err := Queue.SweepExpired(); err != nil {
			Logger.Warn().Err(err).Msg("sweeping approvals")
		} else if n := len(report.Requeued) + len(report.Escalated); n > 0 {
			Logger.Info().Strs("requeued", report.Requeued).Strs("escalated", report.Escalated).Msg("expired approvals handled")
		}
		if Config != nil {
			if reclaimed, err := Queue.ReclaimStale(Config.Orchestrator.ClaimTTL); err != nil {
				Logger.Warn().Err(err).Msg("reclaiming stale claims")
			} else if len(reclaimed) > 0 {
				Logger.Info().Int("count", len(reclaimed)).Msg("stale claims returned to Needs_Action")
			}
		}
	}
	if Dashboard != nil {
		if _, err := Dashboard.Render(); err != nil {
			Logger.Warn().Err(err).Msg("refreshing dashboard")
		}
	}
	if AlertEngine != nil && Markers != nil {
		alerts, err := AlertEngine.Evaluate()
		if err != nil {
			Logger.Warn().Err(err).Msg("evaluating alerts")
			return
		}
		if _, err := Markers.Sync(alerts); err != nil {
			Logger.Warn().Err(err).Msg("writing alert markers")
		}
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
}
