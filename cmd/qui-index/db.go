// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"errors"

	"github.com/spf13/cobra"

	gatewayconfig "github.com/panoptikon/gateway/internal/config"
	"github.com/panoptikon/gateway/internal/migrate"
)

func newDBCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database migration operations",
	}

	cmd.AddCommand(newDBMigrateCommand(configPath))
	cmd.AddCommand(newDBMigrateOneCommand(configPath))
	cmd.AddCommand(newDBBaselineCommand(configPath))
	return cmd
}

func newDBMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations for every database key under the data root",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gatewayconfig.Load(*configPath)
			if err != nil {
				return err
			}

			results, err := migrate.MigrateAll(cmd.Context(), cfg.Config.DataDir)
			if err != nil {
				return err
			}

			var failed int
			for _, r := range results {
				if r.Err != nil {
					failed++
					cmd.PrintErrf("  %s: %v\n", r.DBKey, r.Err)
					continue
				}
				for _, lineageResult := range r.Results {
					if lineageResult.Baselined {
						cmd.Printf("  %s (%s): baselined\n", r.DBKey, lineageResult.Lineage)
					}
					if len(lineageResult.Applied) > 0 {
						cmd.Printf("  %s (%s): applied %d migration(s)\n", r.DBKey, lineageResult.Lineage, len(lineageResult.Applied))
					}
				}
			}
			cmd.Printf("Migrated %d database(s), %d failed\n", len(results), failed)
			if failed > 0 {
				return errors.New("one or more databases failed to migrate")
			}
			return nil
		},
	}
}

func newDBMigrateOneCommand(configPath *string) *cobra.Command {
	var dbKey string

	cmd := &cobra.Command{
		Use:   "migrate-one",
		Short: "Apply pending migrations for a single database key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbKey == "" {
				return errors.New("--db-key is required")
			}
			cfg, err := gatewayconfig.Load(*configPath)
			if err != nil {
				return err
			}

			result := migrate.MigrateOne(cmd.Context(), cfg.Config.DataDir, dbKey)
			if result.Err != nil {
				return result.Err
			}
			for _, lineageResult := range result.Results {
				if lineageResult.Baselined {
					cmd.Printf("%s: baselined\n", lineageResult.Lineage)
				}
				cmd.Printf("%s: applied %d migration(s)\n", lineageResult.Lineage, len(lineageResult.Applied))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbKey, "db-key", "", "database key to migrate")
	return cmd
}

// newDBBaselineCommand marks a database key's three lineages as already
// applied without running any migration SQL, for a database created
// outside this engine (e.g. by the EXPERIMENTAL_RUST_DB_CREATION
// endpoint) that is already at the latest schema.
func newDBBaselineCommand(configPath *string) *cobra.Command {
	var dbKey string

	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Mark a database key's schema as already applied, without running migration SQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbKey == "" {
				return errors.New("--db-key is required")
			}
			cfg, err := gatewayconfig.Load(*configPath)
			if err != nil {
				return err
			}

			result := migrate.BaselineOne(cmd.Context(), cfg.Config.DataDir, dbKey)
			if result.Err != nil {
				return result.Err
			}
			for _, lineageResult := range result.Results {
				if lineageResult.Baselined {
					cmd.Printf("%s: baselined %d script(s)\n", lineageResult.Lineage, len(lineageResult.Applied))
				} else {
					cmd.Printf("%s: already up to date, nothing to baseline\n", lineageResult.Lineage)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbKey, "db-key", "", "database key to baseline")
	return cmd
}
