package db

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
)

// RunMigrateCommand handles the 'migrate' subcommand. It returns a process
// exit code.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) int {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return 1
	}
	action := args[0]
	if action == "help" {
		PrintMigrateHelp(out)
		return 0
	}

	migrationsFS, err := getMigrationsFS()
	if err != nil {
		fmt.Fprintf(out, "Failed to get migrations filesystem: %v\n", err)
		return 1
	}
	// Open without migrating; this command manages the schema.
	database, err := OpenDB(dbPath)
	if err != nil {
		fmt.Fprintf(out, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer database.Close()

	if err := runMigrateAction(database, migrationsFS, action, args[1:], out); err != nil {
		fmt.Fprintf(out, "migrate %s: %v\n", action, err)
		return 1
	}
	return 0
}

func runMigrateAction(database *DB, migrationsFS fs.FS, action string, args []string, out io.Writer) error {
	versionArg := func() (int, error) {
		if len(args) < 1 {
			return 0, fmt.Errorf("usage: sortbin migrate %s <version_number>", action)
		}
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid version number: %s", args[0])
		}
		return v, nil
	}

	switch action {
	case "up":
		if err := database.MigrateUp(migrationsFS); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ All migrations applied successfully")
		return printVersion(database, migrationsFS, out)

	case "down":
		if err := database.MigrateDown(migrationsFS); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ Migration rolled back successfully")
		return printVersion(database, migrationsFS, out)

	case "status":
		status, err := database.GetMigrationStatus(migrationsFS)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "=== Migration Status ===")
		fmt.Fprintf(out, "Current version: %d\n", status.CurrentVersion)
		fmt.Fprintf(out, "Latest available: %d\n", status.LatestVersion)
		fmt.Fprintf(out, "Dirty: %v\n", status.Dirty)
		if status.Dirty {
			fmt.Fprintln(out, "\n⚠️  WARNING: Database is in a dirty state!")
			fmt.Fprintln(out, "A migration failed mid-execution. Inspect the database, then run:")
			fmt.Fprintln(out, "  sortbin migrate force <version>")
		} else if status.CurrentVersion < status.LatestVersion {
			fmt.Fprintf(out, "⚠️  %d migration(s) pending. Run 'sortbin migrate up'.\n", status.LatestVersion-status.CurrentVersion)
		}
		return nil

	case "version":
		v, err := versionArg()
		if err != nil {
			return err
		}
		if err := database.MigrateTo(migrationsFS, uint(v)); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Migrated to version %d successfully\n", v)
		return nil

	case "force":
		v, err := versionArg()
		if err != nil {
			return err
		}
		if err := database.MigrateForce(migrationsFS, v); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Migration version forced to %d\n", v)
		return nil

	case "baseline":
		v, err := versionArg()
		if err != nil {
			return err
		}
		if err := database.BaselineAtVersion(uint(v)); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Database baselined at version %d\n", v)
		return nil

	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("unknown migrate action: %s", action)
	}
}

func printVersion(database *DB, migrationsFS fs.FS, out io.Writer) error {
	version, dirty, err := database.MigrateVersion(migrationsFS)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

// PrintMigrateHelp displays the help message for the migrate command.
func PrintMigrateHelp(out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprint(out, `Database Migration Commands

Usage: sortbin [-db-path <path>] migrate <command> [options]

Commands:
  up              Apply all pending migrations
  down            Rollback one migration
  status          Show current migration status and version
  version <N>     Migrate to specific version N
  force <N>       Force migration version to N (recovery only)
  baseline <N>    Set migration version to N without running migrations
  help            Show this help message

Examples:
  sortbin migrate up
  sortbin migrate status
  sortbin -db-path /var/lib/sortbin/sortbin.db migrate version 1
`)
}
