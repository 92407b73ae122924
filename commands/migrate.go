package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/flowhook/flowhook/store"
)

func migrateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationStore(cmd.Context(), *configPath, func(ctx context.Context, st *store.Store) error {
				return st.Migrate(ctx)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationStore(cmd.Context(), *configPath, func(ctx context.Context, st *store.Store) error {
				return st.MigrateDown(ctx)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationStore(cmd.Context(), *configPath, func(ctx context.Context, st *store.Store) error {
				return st.MigrateStatus(ctx)
			})
		},
	})

	return cmd
}

func withMigrationStore(ctx context.Context, configPath string, fn func(context.Context, *store.Store) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer st.Close()

	if !st.Available() {
		return fmt.Errorf("migrate: database is not reachable")
	}
	return fn(ctx, st)
}
