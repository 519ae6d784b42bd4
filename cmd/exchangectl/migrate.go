package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"exchangeflow/db"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			if err := db.MigrateUp(cfg.Database.URL); err != nil {
				return err
			}
			return reportVersion(cmd, opts, cfg.Database.URL)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			if err := db.MigrateDown(cfg.Database.URL); err != nil {
				return err
			}
			return reportVersion(cmd, opts, cfg.Database.URL)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			return reportVersion(cmd, opts, cfg.Database.URL)
		},
	})

	return cmd
}

func reportVersion(cmd *cobra.Command, opts *rootOptions, url string) error {
	version, dirty, err := db.MigrationVersion(url)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("schema version %d", version)
	if dirty {
		text += " (dirty)"
	}
	return writeResult(cmd.OutOrStdout(), opts.Format, map[string]any{"version": version, "dirty": dirty}, text)
}
