package main

import (
	"fmt"
	"io"
	"io/fs"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/williamyang98/QuaternionIMU/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "manage the recording database schema",
		Long: `migrate applies or rolls back the embedded schema migrations. "run" migrates
the database to the latest version on its own; these commands are for
inspection and recovery.`,
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "imu.db", "sqlite recording path")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrations(dbPath, func(database *db.DB, migrations fs.FS) error {
				if err := database.MigrateUp(migrations); err != nil {
					return err
				}
				return printVersion(cmd.OutOrStdout(), "migrated", database, migrations)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "roll back one migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrations(dbPath, func(database *db.DB, migrations fs.FS) error {
				if err := database.MigrateDown(migrations); err != nil {
					return err
				}
				return printVersion(cmd.OutOrStdout(), "rolled back", database, migrations)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "show the current and latest schema versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrations(dbPath, func(database *db.DB, migrations fs.FS) error {
				s, err := database.GetMigrationStatus(migrations)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprint(out, s.String())
				if s.Dirty {
					fmt.Fprintf(out, "\nWARNING: a migration failed part way. Inspect the database, then run:\n  imu migrate force <version> --db %s\n", dbPath)
				} else if n := s.Outstanding(); n > 0 {
					fmt.Fprintf(out, "%d migration(s) pending\n", n)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "set the recorded schema version without running migrations",
		Long:  "force clears the dirty flag after a failed migration has been repaired by hand.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version number %q", args[0])
			}
			return withMigrations(dbPath, func(database *db.DB, migrations fs.FS) error {
				if err := database.MigrateForce(migrations, version); err != nil {
					return fmt.Errorf("force failed: %w", err)
				}
				return printVersion(cmd.OutOrStdout(), "forced", database, migrations)
			})
		},
	})
	return cmd
}

// withMigrations opens dbPath without migrating it and hands over the
// embedded migrations.
func withMigrations(dbPath string, fn func(*db.DB, fs.FS) error) error {
	migrations, err := db.MigrationsFS()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	database, err := db.OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dbPath, err)
	}
	defer database.Close()
	return fn(database, migrations)
}

func printVersion(w io.Writer, verb string, database *db.DB, migrations fs.FS) error {
	s, err := database.GetMigrationStatus(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: schema version %d of %d (dirty: %v)\n", verb, s.CurrentVersion, s.LatestVersion, s.Dirty)
	return nil
}
