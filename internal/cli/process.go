package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/digital-fte/internal/core"
)

var processPrompt string

// newDriver builds a driver from the loaded configuration. Flags such as
// --max-iterations have already been folded into Config.
func newDriver() (*core.Driver, error) {
	if Queue == nil || Actor == nil || Config == nil {
		return nil, fmt.Errorf("vault not initialized")
	}
	o := Config.Orchestrator
	opts := core.DriverOptions{
		Owner:             o.Owner,
		BatchSize:         o.BatchSize,
		MaxIterations:     o.MaxIterations,
		CompletionPromise: o.CompletionPromise,
		StopWhenEmpty:     o.StopWhenEmpty,
		IterationPause:    o.IterationPause,
		ActorTimeout:      Config.Actor.Timeout,
		ActorRetries:      Config.Actor.Retries,
		ClaimTTL:          o.ClaimTTL,
		KillSwitch:        o.KillSwitch,
		KillSwitchFile:    o.KillSwitchFile,
		Dashboard:         Dashboard,
		Logger:            Logger,
	}
	if AuditLog != nil {
		opts.EventLogger = AuditLog
	}
	return core.NewDriver(Queue, Actor, opts), nil
}

// signalContext is cancelled on Ctrl-C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printRunResult(out io.Writer, res core.RunResult) {
	fmt.Fprintf(out, "\nRun %s finished: %s\n", res.SessionID, res.Status)
	fmt.Fprintf(out, "  %-12s %d\n", "Iterations:", res.Iterations)
	fmt.Fprintf(out, "  %-12s %d\n", "Claimed:", res.Claimed)
	fmt.Fprintf(out, "  %-12s %d\n", "Released:", res.Released)
	if res.StateFile != "" {
		fmt.Fprintf(out, "  %-12s %s\n", "State:", res.StateFile)
	}
	if res.LastOutput != "" {
		fmt.Fprintf(out, "\nLast output:\n%s\n", res.LastOutput)
	}
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one processing cycle over Needs_Action",
	Long: `Claim a batch of Needs_Action items, hand them to the actor once, and
release whatever the actor did not resolve. A state file is written to
Plans/CLAUDE_STATE_<timestamp>.md.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		res, err := d.Process(ctx, processPrompt)
		printRunResult(cmd.OutOrStdout(), res)
		return runStatusError(res, err)
	},
}

var ralphLoopCmd = &cobra.Command{
	Use:   "ralph-loop PROMPT",
	Short: "Drive the actor until it reports completion",
	Long: `Run the actor repeatedly against the vault. Each iteration claims a batch
of items, invokes the actor with the prompt, and checks its output for
<promise>TOKEN</promise>. The loop stops on the token, after
--max-iterations, when the kill switch is set, or on a fatal actor error.

Exit codes: 0 completed, 2 incomplete, 3 aborted, 4 kill switch.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		res, err := d.Loop(ctx, args[0])
		printRunResult(cmd.OutOrStdout(), res)
		return runStatusError(res, err)
	},
}

func init() {
	processCmd.Flags().StringVar(&processPrompt, "prompt", "", "prompt for the actor (default: process every claimed item)")
	processCmd.Flags().Int("batch-size", 0, "items to claim per cycle")
	processCmd.Flags().String("owner", "", "owner name for claims")

	f := ralphLoopCmd.Flags()
	f.String("completion-promise", "", "token the actor emits as <promise>TOKEN</promise> when done")
	f.Int("max-iterations", 0, "maximum number of iterations")
	f.Int("batch-size", 0, "items to claim per iteration")
	f.Bool("stop-when-empty", false, "stop once Needs_Action is empty")
	f.String("owner", "", "owner name for claims")

	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(ralphLoopCmd)
}
