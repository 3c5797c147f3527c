package commands

import (
	"github.com/spf13/cobra"

	"github.com/spherical-ai/nl2sql-engine/cmd/orchestrator/ui"
	"github.com/spherical-ai/nl2sql-engine/internal/config"
	"github.com/spherical-ai/nl2sql-engine/internal/storage/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations to the KG store",
	RunE:  runMigrate,
}

func init() { rootCmd.AddCommand(migrateCmd) }

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if err := migrations.Run(cfg.Database.Postgres.DSN); err != nil {
		ui.Error("migration failed: %v", err)
		return err
	}

	ui.Success("KG store schema is up to date")
	return nil
}
