package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/beaver/internal/store/pg"
	"github.com/nextlevelbuilder/beaver/internal/upgrade"
	"github.com/nextlevelbuilder/beaver/pkg/protocol"
)

// ErrUpgradeFailed is returned when upgrade cannot proceed.
var ErrUpgradeFailed = errors.New("upgrade cannot proceed")

func upgradeCmd() *cobra.Command {
	var dryRun, status bool
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade the postgres schema and run data hooks",
		Long:  "Applies pending SQL migrations and Go data hooks. Safe to run multiple times.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpgrade(cmd.Context(), dryRun, status)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without applying changes")
	cmd.Flags().BoolVar(&status, "status", false, "show current upgrade status")
	return cmd
}

func runUpgrade(ctx context.Context, dryRun, statusOnly bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Printf("  App version:     %s (protocol %d)\n", Version, protocol.ProtocolVersion)

	if cfg.Database.Driver != "postgres" {
		fmt.Printf("  Driver:          %s (migrated on open)\n", cfg.Database.Driver)
		return nil
	}
	if cfg.Database.PostgresDSN == "" {
		return errors.New("BEAVER_POSTGRES_DSN environment variable is not set")
	}
	dsn := cfg.Database.PostgresDSN

	db, err := pg.OpenDB(dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	fmt.Printf("  Schema current:  %d\n", s.CurrentVersion)
	fmt.Printf("  Schema required: %d\n", s.RequiredVersion)

	if statusOnly {
		switch {
		case s.Dirty:
			fmt.Println("  Status:          DIRTY (failed migration)")
		case s.Compatible:
			fmt.Println("  Status:          UP TO DATE")
		case s.CurrentVersion > s.RequiredVersion:
			fmt.Println("  Status:          BINARY TOO OLD")
		default:
			fmt.Printf("  Status:          UPGRADE NEEDED (%d -> %d)\n", s.CurrentVersion, s.RequiredVersion)
		}
		printPendingHooks(ctx, db, "Pending data hooks")
		return nil
	}

	fmt.Println()
	if s.Dirty || s.CurrentVersion > s.RequiredVersion {
		fmt.Print(upgrade.FormatError(s))
		return ErrUpgradeFailed
	}

	if dryRun {
		if s.NeedsMigration {
			fmt.Printf("  Would apply SQL migrations: v%d -> v%d\n", s.CurrentVersion, s.RequiredVersion)
		} else {
			fmt.Println("  SQL schema is up to date.")
		}
		printPendingHooks(ctx, db, "Would run data hooks")
		return nil
	}

	if err := applyUpgrade(ctx, dsn, db, s); err != nil {
		return err
	}
	fmt.Println("  Upgrade complete.")
	return nil
}

func printPendingHooks(ctx context.Context, db *sql.DB, title string) {
	pending, err := upgrade.PendingHooks(ctx, db)
	if err != nil {
		slog.Debug("could not check pending data hooks", "error", err)
		return
	}
	if len(pending) == 0 {
		fmt.Println("  No pending data hooks.")
		return
	}
	fmt.Printf("  %s: %d\n", title, len(pending))
	for _, name := range pending {
		fmt.Printf("    - %s\n", name)
	}
}

// applyUpgrade runs SQL migrations when needed, then pending data hooks.
func applyUpgrade(ctx context.Context, dsn string, db *sql.DB, s *upgrade.SchemaStatus) error {
	if s.NeedsMigration {
		m, err := newMigrator(dsn)
		if err != nil {
			return err
		}
		defer m.Close()
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate up: %w", err)
		}
		v, _, _ := m.Version()
		slog.Info("SQL migrations applied", "from", s.CurrentVersion, "to", v)
	}

	count, err := upgrade.RunPendingHooks(ctx, db)
	if err != nil {
		return fmt.Errorf("data hooks: %w", err)
	}
	if count > 0 {
		slog.Info("data hooks applied", "count", count)
	}
	return nil
}

// checkSchemaOrAutoUpgrade gates serve on schema compatibility. With
// BEAVER_AUTO_UPGRADE=true an outdated schema is upgraded inline.
func checkSchemaOrAutoUpgrade(ctx context.Context, dsn string) error {
	db, err := pg.OpenDB(dsn)
	if err != nil {
		return fmt.Errorf("schema check: %w", err)
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		return fmt.Errorf("schema check: %w", err)
	}
	if s.Compatible {
		slog.Info("schema check passed", "current", s.CurrentVersion, "required", s.RequiredVersion)
		return nil
	}
	if errors.Is(s.Err(), upgrade.ErrSchemaOutdated) && os.Getenv("BEAVER_AUTO_UPGRADE") == "true" {
		slog.Info("auto-upgrade: applying migrations", "from", s.CurrentVersion, "to", s.RequiredVersion)
		return applyUpgrade(ctx, dsn, db, s)
	}
	return fmt.Errorf("%w\n%s", s.Err(), upgrade.FormatError(s))
}
