package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

func init() {
	RegisterDataHook(Hook{Version: 2, Name: "002_backfill_thread_starters", Apply: backfillThreadStarters})
}

// backfillThreadStarters flags the earliest message of every thread that has
// no starter. Rows written before starters were tracked, or by a process
// that died between saving a reply and backfilling, are repaired this way.
func backfillThreadStarters(ctx context.Context, tx *sql.Tx) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE messages m SET is_thread_starter = TRUE
		FROM (
			SELECT DISTINCT ON (thread_id) event_id
			FROM messages
			WHERE thread_id NOT IN (SELECT thread_id FROM messages WHERE is_thread_starter)
			ORDER BY thread_id, created_at, event_id
		) first
		WHERE m.event_id = first.event_id`)
	if err != nil {
		return fmt.Errorf("backfill thread starters: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		slog.Info("thread starters backfilled", "threads", n)
	}
	return nil
}
