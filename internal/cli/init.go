package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/digital-fte/internal/core"
)

// VaultInit is the VaultInitializer used by the init command.
// Set during application wiring.
var VaultInit core.VaultInitializer

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Initialize a new vault",
	Long: `Create every stage folder of the vault plus a starter Company_Handbook.md
and .fteconfig.yaml.

Safe to run on an existing vault: files that already exist are skipped and
not overwritten. Pass --dry-run=false to write anything.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if VaultInit == nil {
			return fmt.Errorf("vault initializer not initialized")
		}

		vault := ""
		if Config != nil {
			vault = Config.VaultPath
		}
		if len(args) > 0 {
			vault = args[0]
		}
		if vault == "" {
			vault = "."
		}
		absPath, err := filepath.Abs(vault)
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		name, _ := cmd.Flags().GetString("name")
		ic := core.VaultInitConfig{VaultPath: absPath, Name: name, DryRun: true}
		if Config != nil {
			ic.Owner = Config.Orchestrator.Owner
			ic.KillSwitchFile = Config.Orchestrator.KillSwitchFile
			ic.RawFolders = []string{filepath.Base(Config.Watchers.FileDrop.Folder), filepath.Base(Config.Watchers.Channel.Folder)}
			ic.DryRun = Config.DryRun
		}

		result, err := VaultInit.Init(ic)
		if err != nil {
			return fmt.Errorf("initializing vault: %w", err)
		}

		out := cmd.OutOrStdout()
		verb := "Created"
		if ic.DryRun {
			verb = "Would create"
		}
		if len(result.Created) > 0 {
			fmt.Fprintf(out, "%s:\n", verb)
			for _, p := range result.Created {
				fmt.Fprintf(out, "  %s\n", p)
			}
		}
		if len(result.Skipped) > 0 {
			fmt.Fprintln(out, "Skipped (already exist):")
			for _, p := range result.Skipped {
				fmt.Fprintf(out, "  %s\n", p)
			}
		}
		fmt.Fprintf(out, "\nVault ready at %s\n", absPath)
		return nil
	},
}

func init() {
	initCmd.Flags().String("name", "", "Name used in the handbook (defaults to the folder name)")
	rootCmd.AddCommand(initCmd)
}
