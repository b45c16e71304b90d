package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/watzon/herald/internal/config"
	"github.com/watzon/herald/internal/database"
	"github.com/watzon/herald/internal/database/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration commands",
	Long: `Database migration commands for Herald.

Migrations are embedded in the binary and applied in order. Every command
that opens the database applies pending migrations first, so these commands
are mostly useful for inspection and for preparing a database ahead of a
deploy.

Examples:
  herald migrate status   Show applied migrations
  herald migrate apply    Apply pending migrations`,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE:  runMigrateStatus,
}

var migrateApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply pending migrations",
	RunE:  runMigrateApply,
}

func init() {
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateApplyCmd)

	rootCmd.AddCommand(migrateCmd)
}

func openDatabase() (*database.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openDatabaseWith(cfg)
}

func openDatabaseWith(cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	return printMigrations(cmd, db, cmd.OutOrStdout())
}

func printMigrations(cmd *cobra.Command, db *database.DB, out io.Writer) error {
	list, err := migrations.Status(cmd.Context(), db.DB)
	if len(list) == 0 && err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}

	pending := 0
	fmt.Fprintln(out, "Migrations:")
	for _, m := range list {
		if m.Applied() {
			fmt.Fprintf(out, "  ✓ %s (applied %s)\n", m.ID, m.AppliedAt.Local().Format("2006-01-02 15:04:05"))
		} else {
			fmt.Fprintf(out, "  • %s (pending)\n", m.ID)
			pending++
		}
	}
	if pending > 0 {
		fmt.Fprintf(out, "\n%d migration(s) pending. Run 'herald migrate apply'.\n", pending)
	}
	return err
}

func runMigrateApply(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrations.Run(cmd.Context(), db.DB); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Database is up to date.")
	return printMigrations(cmd, db, cmd.OutOrStdout())
}
