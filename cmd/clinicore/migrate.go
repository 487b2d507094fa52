package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"clinicore/internal/platform/database"
	"clinicore/migrations"
)

func newMigrateCommand() *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if list {
				files, err := migrations.Files()
				if err != nil {
					return err
				}
				for _, f := range files {
					fmt.Fprintln(out, f)
				}
				return nil
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url is not set")
			}

			ctx := commandContext(cmd)
			pool, err := database.Open(ctx, database.Config{URL: cfg.Database.URL, MaxOpenConns: 1})
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := migrations.Apply(ctx, pool.DB())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "database is up to date")
			}
			for _, name := range applied {
				fmt.Fprintln(out, "applied", name)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "print the embedded migrations without applying them")
	return cmd
}
