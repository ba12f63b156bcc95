package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	app "github.com/valter-silva-au/digital-fte/internal"
	"github.com/valter-silva-au/digital-fte/internal/cli"
)

// Set by goreleaser ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.SetVersionInfo(version, commit, date)

	var a *app.App
	cli.Initialize = func(flags *pflag.FlagSet) error {
		vault := ""
		if f := flags.Lookup("vault"); (f == nil || !f.Changed) && os.Getenv("VAULT_PATH") == "" {
			vault = app.ResolveVaultPath()
		}
		var err error
		a, err = app.NewApp(vault, flags)
		if err != nil {
			return fmt.Errorf("initializing fte: %w", err)
		}
		return nil
	}

	err := cli.Execute()
	if a != nil {
		_ = a.Close()
	}
	if err != nil {
		var ec *cli.ExitCodeError
		if !errors.As(err, &ec) || ec.Err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	os.Exit(cli.ExitCode(err))
}
