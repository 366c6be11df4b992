package commands

import (
	"context"
	"fmt"

	"github.com/capsulehub/capsuled/internal/logger"
	"github.com/capsulehub/capsuled/pkg/config"
	"github.com/capsulehub/capsuled/pkg/store"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Run database migrations for the control plane database.

This command applies pending schema migrations to the configured database
(SQLite or PostgreSQL). It is required after upgrading capsuled when
schema changes have been made.

Examples:
  # Run migrations with default config
  capsuled migrate

  # Run migrations with custom config
  capsuled migrate --config /etc/capsuled/config.yaml`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	logger.Info("Running database migrations", "type", cfg.Database.Type)

	// Store creation triggers auto-migration.
	st, err := store.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	defer func() { _ = st.Close() }()

	// Verify the schema is usable.
	sqlDB, err := st.DB().DB()
	if err != nil {
		return fmt.Errorf("migration verification failed: %w", err)
	}
	if err := sqlDB.PingContext(context.Background()); err != nil {
		return fmt.Errorf("migration verification failed: %w", err)
	}

	fmt.Printf("Migrations completed successfully (database type: %s)\n", cfg.Database.Type)
	return nil
}
