package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psds-microservice/appeal-service/internal/config"
	"github.com/psds-microservice/appeal-service/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations for the postgres sheet backend",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE:  runMigrateUp,
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Sheets.Backend != config.BackendPostgres {
		return errors.New("migrate: SHEET_BACKEND must be postgres")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	if err := database.MigrateUp(ctx, cfg.DatabaseURL(), log); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
