// Package sqlite implements the stores on an embedded SQLite database.
// It backs standalone deployments and the test suite.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nextlevelbuilder/beaver/internal/store"
)

// Timestamps are stored as Unix microseconds, the precision Postgres keeps
// for timestamptz, so both backends order a thread the same way.
const schema = `
CREATE TABLE IF NOT EXISTS messages (
	event_id          TEXT PRIMARY KEY,
	thread_id         TEXT NOT NULL,
	channel_id        TEXT NOT NULL,
	space_id          TEXT NOT NULL DEFAULT '',
	user_id           TEXT NOT NULL,
	message           TEXT NOT NULL,
	reply_id          TEXT,
	is_mentioned      INTEGER NOT NULL DEFAULT 0,
	mentions          TEXT NOT NULL DEFAULT '[]',
	is_thread_starter INTEGER NOT NULL DEFAULT 0,
	is_ask_thread     INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_channel_starter ON messages(channel_id, is_thread_starter, created_at);

CREATE TABLE IF NOT EXISTS pending_toolcalls (
	id                TEXT PRIMARY KEY,
	draft_event_id    TEXT NOT NULL UNIQUE REFERENCES messages(event_id),
	original_event_id TEXT NOT NULL REFERENCES messages(event_id),
	tool_name         TEXT NOT NULL,
	tool_args         TEXT NOT NULL DEFAULT '{}',
	status            TEXT NOT NULL DEFAULT 'pending'
	                  CHECK (status IN ('pending', 'approved', 'rejected')),
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
`

// OpenDB opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private database on a single connection.
func OpenDB(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// schemaVersion 1 moved timestamps from milliseconds to microseconds.
const schemaVersion = 1

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate sqlite schema: %w", err)
	}
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read sqlite schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin sqlite upgrade: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`UPDATE messages SET created_at = created_at * 1000`,
		`UPDATE pending_toolcalls SET created_at = created_at * 1000, updated_at = updated_at * 1000`,
		fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("upgrade sqlite timestamps: %w", err)
		}
	}
	return tx.Commit()
}

// NewStores creates all stores on one SQLite database.
func NewStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Messages:  NewMessageStore(db),
		Toolcalls: NewToolcallStore(db),
		Close:     db.Close,
	}, nil
}

// classify maps driver errors onto store error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.NewError(op, store.KindNotFound, err)
	}
	var se *msqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		switch {
		case code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, code == sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return store.NewError(op, store.KindDuplicate, err)
		case code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(err.Error(), "UNIQUE"):
			return store.NewError(op, store.KindDuplicate, err)
		case code&0xff == sqlite3.SQLITE_BUSY, code&0xff == sqlite3.SQLITE_LOCKED:
			return store.NewError(op, store.KindTransient, err)
		}
	}
	return store.NewError(op, store.KindPermanent, err)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
