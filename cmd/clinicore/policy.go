package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"clinicore/internal/app"
	"clinicore/internal/authz"
	"clinicore/internal/lifecycle"
	"clinicore/internal/ownership"
	"clinicore/internal/platform/config"
	"clinicore/internal/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the permission table",
	}
	cmd.PersistentFlags().String("file", "", "policy artifact (defaults to policy.file, then the embedded table)")

	cmd.AddCommand(newPolicyValidateCommand())
	cmd.AddCommand(newPolicyShowCommand())
	return cmd
}

// loadTable resolves --file, then the configured policy.file, then the
// embedded default.
func loadTable(cmd *cobra.Command) (*policy.Table, error) {
	file, err := cmd.Flags().GetString("file")
	if err != nil {
		return nil, err
	}
	if file == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		file = cfg.Policy.File
	}
	return app.LoadPolicy(config.Policy{File: file})
}

func newPolicyValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Build the permission table and report errors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			table, err := loadTable(cmd)
			if err != nil {
				return err
			}
			// The engine cross-checks resource kinds against the state machines.
			if _, err := authz.New(table, lifecycle.Default(), ownership.New()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policy %s is valid: %d roles, %d resources, %d grants\n",
				table.Version(), len(table.Roles()), len(table.Resources()), len(table.Grants()))
			return nil
		},
	}
}

func newPolicyShowCommand() *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print grants and a per-role summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter policy.Role
			if role != "" {
				r, err := policy.ParseRole(role)
				if err != nil {
					return err
				}
				filter = r
			}

			table, err := loadTable(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "policy version %s\n\n", table.Version())

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ROLE\tRESOURCE\tACTION\tLEVEL")
			for _, g := range table.Grants() {
				if filter != "" && g.Role != filter {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", g.Role, g.Resource, g.Action, g.Level)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Fprintln(out)
			summary := table.Summary()
			w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ROLE\tNONE\tREAD\tOWN\tACKNOWLEDGE\tEXECUTE\tFULL")
			for _, r := range table.Roles() {
				if filter != "" && r != filter {
					continue
				}
				counts := summary[r]
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n", r,
					counts[policy.LevelNone], counts[policy.LevelRead], counts[policy.LevelOwn],
					counts[policy.LevelAcknowledge], counts[policy.LevelExecute], counts[policy.LevelFull])
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "only show grants for this role")
	return cmd
}
