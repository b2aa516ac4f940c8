package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Hook is a Go data migration tied to the SQL migration of Version. Apply
// runs inside the transaction that records the hook as done, so a hook is
// either fully applied and recorded or not at all.
type Hook struct {
	Version uint
	Name    string
	Apply   func(ctx context.Context, tx *sql.Tx) error
}

var registry []Hook

// RegisterDataHook adds a hook. Hooks run ordered by version, then by
// registration order.
func RegisterDataHook(h Hook) {
	registry = append(registry, h)
	sort.SliceStable(registry, func(i, j int) bool { return registry[i].Version < registry[j].Version })
}

// HookNames lists registered hooks in run order.
func HookNames() []string {
	names := make([]string, len(registry))
	for i, h := range registry {
		names[i] = h.Name
	}
	return names
}

// PendingHooks returns the names of registered hooks not yet applied.
func PendingHooks(ctx context.Context, db *sql.DB) ([]string, error) {
	pending, err := pendingOf(ctx, db, registry)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(pending))
	for i, h := range pending {
		names[i] = h.Name
	}
	return names, nil
}

// RunPendingHooks applies every registered hook not yet recorded in
// data_migrations and returns how many ran. It stops at the first failure.
func RunPendingHooks(ctx context.Context, db *sql.DB) (int, error) {
	return runHooks(ctx, db, registry)
}

func runHooks(ctx context.Context, db *sql.DB, hooks []Hook) (int, error) {
	pending, err := pendingOf(ctx, db, hooks)
	if err != nil {
		return 0, err
	}
	for i, h := range pending {
		start := time.Now()
		if err := applyHook(ctx, db, h); err != nil {
			return i, err
		}
		slog.Info("data hook applied", "name", h.Name, "version", h.Version, "duration", time.Since(start))
	}
	return len(pending), nil
}

func applyHook(ctx context.Context, db *sql.DB, h Hook) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin data hook %q: %w", h.Name, err)
	}
	defer tx.Rollback()

	if err := h.Apply(ctx, tx); err != nil {
		return fmt.Errorf("data hook %q: %w", h.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO data_migrations (name, version, applied_at) VALUES ($1, $2, $3)`,
		h.Name, h.Version, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("record data hook %q: %w", h.Name, err)
	}
	return tx.Commit()
}

func pendingOf(ctx context.Context, db *sql.DB, hooks []Hook) ([]Hook, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS data_migrations (
		name       TEXT PRIMARY KEY,
		version    INTEGER NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create data_migrations: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT name FROM data_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query data_migrations: %w", err)
	}
	defer rows.Close()

	done := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		done[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var pending []Hook
	for _, h := range hooks {
		if _, ok := done[h.Name]; !ok {
			pending = append(pending, h)
		}
	}
	return pending, nil
}
