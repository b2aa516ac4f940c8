package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/beaver/internal/store"
)

const toolcallColumns = `id, draft_event_id, original_event_id, tool_name, tool_args, status, created_at, updated_at`

// ToolcallStore implements store.ToolcallStore.
type ToolcallStore struct {
	db *sql.DB
}

func NewToolcallStore(db *sql.DB) *ToolcallStore {
	return &ToolcallStore{db: db}
}

func (s *ToolcallStore) CreateToolcall(ctx context.Context, tc *store.PendingToolcall) error {
	now := time.Now().UTC()
	if tc.Status == "" {
		tc.Status = store.ToolcallPending
	}
	args := string(tc.ToolArgs)
	if args == "" {
		args = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_toolcalls (`+toolcallColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.ID, tc.DraftEventID, tc.OriginalEventID, tc.ToolName, args, string(tc.Status),
		now.UnixMicro(), now.UnixMicro())
	if err != nil {
		return classify("create toolcall "+tc.ID, err)
	}
	tc.CreatedAt, tc.UpdatedAt = now, now
	return nil
}

func (s *ToolcallStore) GetToolcall(ctx context.Context, id string) (*store.PendingToolcall, error) {
	tc, err := scanToolcall(s.db.QueryRowContext(ctx,
		`SELECT `+toolcallColumns+` FROM pending_toolcalls WHERE id = ?`, id))
	if err != nil {
		return nil, classify("get toolcall "+id, err)
	}
	return tc, nil
}

func (s *ToolcallStore) ToolcallByDraft(ctx context.Context, draftEventID string) (*store.PendingToolcall, error) {
	tc, err := scanToolcall(s.db.QueryRowContext(ctx,
		`SELECT `+toolcallColumns+` FROM pending_toolcalls WHERE draft_event_id = ?`, draftEventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("toolcall by draft "+draftEventID, err)
	}
	return tc, nil
}

func (s *ToolcallStore) TransitionToolcall(ctx context.Context, id string, status store.ToolcallStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_toolcalls SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), time.Now().UTC().UnixMicro(), id, string(store.ToolcallPending))
	if err != nil {
		return false, classify("transition toolcall "+id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("transition toolcall "+id, err)
	}
	return n == 1, nil
}

func scanToolcall(row rowScanner) (*store.PendingToolcall, error) {
	var (
		tc                   store.PendingToolcall
		args, status         string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&tc.ID, &tc.DraftEventID, &tc.OriginalEventID, &tc.ToolName, &args, &status,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	tc.ToolArgs = []byte(args)
	tc.Status = store.ToolcallStatus(status)
	tc.CreatedAt = time.UnixMicro(createdAt).UTC()
	tc.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return &tc, nil
}
