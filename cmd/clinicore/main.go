// Command clinicore runs the clinical authorization service and its
// operational tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "clinicore",
		Short:         "Role-based authorization and audit for clinical records",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Empty means defaults plus CLINICORE_* environment variables.
	cmd.PersistentFlags().String("config", "", "config file path")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newPolicyCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newTokenCommand())
	return cmd
}
