// Package upgrade gates startup on the postgres schema version and runs Go
// data hooks that accompany SQL migrations.
package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RequiredSchemaVersion is the newest migration in migrations/ this binary
// was built against.
const RequiredSchemaVersion uint = 2

// SchemaStatus represents the result of a schema compatibility check.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
	Compatible      bool
	NeedsMigration  bool
}

var (
	ErrSchemaOutdated = errors.New("database schema is outdated")
	ErrSchemaDirty    = errors.New("database schema is dirty (failed migration)")
	ErrSchemaAhead    = errors.New("database schema is newer than this binary")
)

// CheckSchema reads golang-migrate's schema_migrations table and compares it
// against RequiredSchemaVersion. A missing table means a fresh database.
func CheckSchema(ctx context.Context, db *sql.DB) (*SchemaStatus, error) {
	var (
		version int64
		dirty   bool
	)
	err := db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if err != nil {
		return &SchemaStatus{RequiredVersion: RequiredSchemaVersion, NeedsMigration: true}, nil
	}

	s := &SchemaStatus{
		CurrentVersion:  uint(version),
		RequiredVersion: RequiredSchemaVersion,
		Dirty:           dirty,
	}
	if dirty {
		return s, nil
	}
	switch {
	case s.CurrentVersion == RequiredSchemaVersion:
		s.Compatible = true
	case s.CurrentVersion < RequiredSchemaVersion:
		s.NeedsMigration = true
	}
	return s, nil
}

// Err maps a status onto one of the sentinel errors, or nil when compatible.
func (s *SchemaStatus) Err() error {
	switch {
	case s.Dirty:
		return ErrSchemaDirty
	case s.CurrentVersion > s.RequiredVersion:
		return ErrSchemaAhead
	case s.NeedsMigration:
		return ErrSchemaOutdated
	}
	return nil
}

// FormatError returns a user-friendly error message for the given status.
func FormatError(s *SchemaStatus) string {
	if s.Dirty {
		return fmt.Sprintf(
			"Database schema is in a dirty state (version %d).\n"+
				"This usually means a migration failed partway.\n\n"+
				"  Fix:  beaver migrate force %d\n"+
				"  Then: beaver upgrade\n",
			s.CurrentVersion, max(s.CurrentVersion, 1)-1,
		)
	}
	if s.CurrentVersion > s.RequiredVersion {
		return fmt.Sprintf(
			"Database schema (v%d) is newer than this binary (requires v%d).\n\n"+
				"  Fix: upgrade your beaver binary to the latest version.\n",
			s.CurrentVersion, s.RequiredVersion,
		)
	}
	return fmt.Sprintf(
		"Database schema is outdated: current v%d, required v%d.\n\n"+
			"  Run:  beaver upgrade\n"+
			"  Or:   beaver migrate up\n\n"+
			"  Docker/CI: set BEAVER_AUTO_UPGRADE=true to upgrade automatically on startup.\n",
		s.CurrentVersion, s.RequiredVersion,
	)
}
