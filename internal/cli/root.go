package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/valter-silva-au/digital-fte/internal/core"
)

var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// SetVersionInfo sets the version information injected via ldflags.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

// Initialize wires the services from the parsed flags. The application
// sets it before Execute; commands that need no vault skip it.
var Initialize func(flags *pflag.FlagSet) error

// Process exit codes.
const (
	ExitOK         = 0
	ExitError      = 1
	ExitIncomplete = 2
	ExitAborted    = 3
	ExitKillSwitch = 4
)

// ExitCodeError carries a process exit code out of a command. Err may be
// nil when the code alone says what happened.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error { return e.Err }

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ec *ExitCodeError
	if errors.As(err, &ec) {
		return ec.Code
	}
	return ExitError
}

// runStatusError turns a finished driver run into the matching exit code.
func runStatusError(res core.RunResult, err error) error {
	switch res.Status {
	case core.RunCompleted:
		return err
	case core.RunIncomplete:
		return &ExitCodeError{Code: ExitIncomplete, Err: err}
	case core.RunAborted:
		return &ExitCodeError{Code: ExitAborted, Err: err}
	case core.RunKillSwitch:
		return &ExitCodeError{Code: ExitKillSwitch, Err: err}
	}
	return err
}

// noWiring lists commands that run without a vault.
var noWiring = map[string]bool{
	"version":    true,
	"help":       true,
	"completion": true,
}

var rootCmd = &cobra.Command{
	Use:   "fte",
	Short: "Digital FTE - file mailbox and claim queue for an AI employee",
	Long: `fte runs a personal AI employee on top of a Markdown vault.

Watchers turn incoming email, dropped files and channel messages into items
in Needs_Action. Workers claim items by moving them into In_Progress/<owner>,
and every state change is a rename between vault folders, so the vault is
the only state there is. Sensitive actions wait in Pending_Approval until a
human moves them on.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		for c := cmd; c != nil; c = c.Parent() {
			if noWiring[c.Name()] {
				return nil
			}
		}
		if Initialize == nil {
			return nil
		}
		return Initialize(cmd.Flags())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "fte %s\ncommit: %s\nbuilt:  %s\n", appVersion, appCommit, appDate)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("vault", "", "path to the vault (default $VAULT_PATH or ./vault)")
	pf.Bool("dry-run", true, "log intended changes without touching the vault")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-file", "", "append JSON logs to this file")

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
