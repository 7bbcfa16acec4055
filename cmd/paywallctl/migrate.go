package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/paywall/pkg/paywall"
	pwzerolog "github.com/mihaimyh/paywall/pkg/paywall/logger/zerolog"
	"github.com/mihaimyh/paywall/storage/postgres"
)

func migrateCmd(flags *globalFlags) *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
		Long: `Apply or roll back the embedded Postgres migrations.

The connection string comes from --dsn, or storage.postgres_dsn in the
config file (PAYWALL_STORAGE_POSTGRES_DSN).

Examples:
  paywallctl migrate up
  paywallctl migrate version --dsn postgres://localhost/paywall`,
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres connection string (overrides the config file)")

	run := func(action func(*postgres.Storage, *cobra.Command) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			store, err := openMigrationTarget(cmd.Context(), flags, dsn)
			if err != nil {
				return err
			}
			defer store.Close()
			return action(store, cmd)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(store *postgres.Storage, cmd *cobra.Command) error {
			if err := store.Migrate(); err != nil {
				return err
			}
			return printVersion(store, cmd)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		Args:  cobra.NoArgs,
		RunE: run(func(store *postgres.Storage, cmd *cobra.Command) error {
			if err := store.MigrateDown(); err != nil {
				return err
			}
			return printVersion(store, cmd)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE:  run(printVersion),
	})

	return cmd
}

func openMigrationTarget(ctx context.Context, flags *globalFlags, dsn string) (*postgres.Storage, error) {
	if dsn == "" {
		provider, err := loadSettings(flags, pwzerolog.New(io.Discard, "error"), false)
		if err != nil {
			return nil, err
		}
		dsn = provider.Settings().Storage.PostgresDSN
	}
	if dsn == "" {
		return nil, &paywall.ConfigurationError{Key: "storage.postgres_dsn", Message: "set it in the config file or pass --dsn"}
	}

	cfg := postgres.DefaultConfig()
	cfg.ConnectionString = dsn
	cfg.MinConns = 1
	return postgres.New(ctx, cfg)
}

func printVersion(store *postgres.Storage, cmd *cobra.Command) error {
	version, dirty, err := store.MigrationVersion()
	if err != nil {
		return err
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", version, state)
	return nil
}
