package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
)

var migrateCommands = []string{"up", "down", "status", "version", "redo", "up-to", "down-to"}

// newMigrateCommand applies the goose migrations directly against the
// database. It is the one command that does not go through the HTTP API.
func newMigrateCommand() *cobra.Command {
	var dbURL, dir string
	cmd := &cobra.Command{
		Use:       "migrate <up|down|status|version|redo|up-to|down-to> [version]",
		Short:     "Run database migrations",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: migrateCommands,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbURL == "" {
				return errors.New("--database-url or DATABASE_URL is required")
			}
			if !validMigrateCommand(args[0]) {
				return fmt.Errorf("unknown migrate command %q", args[0])
			}
			return runMigrations(cmd.Context(), dbURL, dir, args[0], args[1:])
		},
	}
	cmd.Flags().StringVar(&dbURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	cmd.Flags().StringVar(&dir, "dir", "migrations", "directory holding the goose migrations")
	return cmd
}

func validMigrateCommand(c string) bool {
	for _, m := range migrateCommands {
		if m == c {
			return true
		}
	}
	return false
}

func runMigrations(ctx context.Context, dbURL, dir, command string, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.RunContext(ctx, command, db, dir, args...); err != nil {
		return fmt.Errorf("migration %s failed: %w", command, err)
	}
	return nil
}
