package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/digital-fte/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show folder counts, mode and watcher configuration",
	Long: `Show how many items sit in each vault folder, whether fte runs in dry-run
or production mode, which watchers are enabled, and the actor's version.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Store == nil || Config == nil {
			return fmt.Errorf("vault not initialized")
		}
		out := cmd.OutOrStdout()

		mode := "PRODUCTION"
		if Config.DryRun {
			mode = "DRY RUN"
		}
		fmt.Fprintf(out, "Digital FTE status\n\n")
		fmt.Fprintf(out, "  %-16s %s\n", "Vault:", Store.Root())
		fmt.Fprintf(out, "  %-16s %s\n\n", "Mode:", mode)

		fmt.Fprintln(out, "Folders:")
		total := 0
		for _, stage := range models.AllStages {
			handles, err := Store.List(stage)
			if err != nil {
				return fmt.Errorf("counting %s: %w", stage, err)
			}
			total += len(handles)
			fmt.Fprintf(out, "  %-18s %d\n", string(stage)+":", len(handles))
		}
		fmt.Fprintf(out, "  %-18s %d\n\n", "Total:", total)

		printWatcherConfig(out, Config.Watchers)

		fmt.Fprintln(out, "\nActor:")
		fmt.Fprintf(out, "  %-16s %s %s\n", "Command:", Config.Actor.Command, strings.Join(Config.Actor.Args, " "))
		if Probe != nil {
			v, err := Probe.DetectVersion(context.Background())
			if err != nil {
				fmt.Fprintf(out, "  %-16s unavailable (%v)\n", "Version:", err)
			} else {
				fmt.Fprintf(out, "  %-16s %s\n", "Version:", v)
			}
		}

		if Dashboard != nil {
			s, err := Dashboard.Summarize()
			if err == nil {
				overdue := 0
				for _, e := range s.PendingApproval {
					if e.Overdue {
						overdue++
					}
				}
				if overdue > 0 {
					fmt.Fprintf(out, "\n%d approval(s) are past their expiry.\n", overdue)
				}
			}
		}
		if killSwitchOn() {
			fmt.Fprintln(out, "\nKill switch is ON: the driver will not start new iterations.")
		}
		return nil
	},
}

// killSwitchOn reports the config flag or the sentinel file in the vault.
func killSwitchOn() bool {
	o := Config.Orchestrator
	if o.KillSwitch {
		return true
	}
	if o.KillSwitchFile == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(Store.Root(), o.KillSwitchFile))
	return err == nil
}

func printWatcherConfig(out io.Writer, w models.WatchersConfig) {
	fmt.Fprintln(out, "Watchers:")
	rows := []struct {
		name   string
		cfg    models.WatcherConfig
		detail string
	}{
		{"filedrop", w.FileDrop.WatcherConfig, "folder " + w.FileDrop.Folder},
		{"channel", w.Channel.WatcherConfig, "folder " + w.Channel.Folder},
		{"gmail", w.Gmail.WatcherConfig, "query " + fmt.Sprintf("%q", w.Gmail.Query)},
	}
	for _, r := range rows {
		state := "disabled"
		if r.cfg.Enabled {
			state = "every " + r.cfg.Interval.Round(time.Second).String()
		}
		fmt.Fprintf(out, "  %-10s %-14s %s\n", r.name, state, r.detail)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
