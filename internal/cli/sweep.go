package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sweepClaimTTL time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Handle expired approvals and reclaim stale claims",
	Long: `Run one maintenance pass. Approvals past their expiry are escalated or
returned to Needs_Action according to approvals.on_expiry, and claims older
than the claim TTL are handed back to Needs_Action.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireQueue(); err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		report, err := Queue.SweepExpired()
		if err != nil {
			return fmt.Errorf("sweeping approvals: %w", err)
		}
		for _, id := range report.Stamped {
			fmt.Fprintf(out, "Stamped expiry on %s\n", id)
		}
		for _, id := range report.Requeued {
			fmt.Fprintf(out, "Requeued expired approval %s\n", id)
		}
		for _, id := range report.Escalated {
			fmt.Fprintf(out, "Escalated expired approval %s\n", id)
		}

		ttl := sweepClaimTTL
		if ttl <= 0 && Config != nil {
			ttl = Config.Orchestrator.ClaimTTL
		}
		reclaimed, err := Queue.ReclaimStale(ttl)
		if err != nil {
			return fmt.Errorf("reclaiming stale claims: %w", err)
		}
		for _, h := range reclaimed {
			printMove(out, "reclaimed", h)
		}

		if len(report.Stamped)+len(report.Requeued)+len(report.Escalated)+len(reclaimed) == 0 {
			fmt.Fprintln(out, "Nothing to sweep.")
		}
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepClaimTTL, "claim-ttl", 0, "Reclaim claims older than this (default: orchestrator.claim_ttl)")
	rootCmd.AddCommand(sweepCmd)
}
