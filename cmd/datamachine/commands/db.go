package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/Extra-Chill/data-machine/config"
	"github.com/Extra-Chill/data-machine/db"
	"github.com/Extra-Chill/data-machine/errors"
	"github.com/Extra-Chill/data-machine/logger"
)

// DbCmd represents the db command - database operations
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage database operations",
	Long: `Manage the Data Machine SQLite database.

Database commands:
  datamachine db migrate    # Apply pending schema migrations
  datamachine db path       # Print the configured database path`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDbMigrate()
	},
}

var dbPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configured database path",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDbPath()
	},
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbPathCmd)
}

func runDbMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return errors.Wrapf(err, "failed to open database at %s", cfg.Database.Path)
	}
	defer database.Close()

	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrap(err, "migration failed")
	}
	pterm.Success.Printf("Database migrated: %s\n", cfg.Database.Path)
	return nil
}

func runDbPath() error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	fmt.Println(cfg.Database.Path)
	return nil
}
