package pg

import (
	"context"
	"database/sql"
	"errors"

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
	if tc.Status == "" {
		tc.Status = store.ToolcallPending
	}
	args := []byte(tc.ToolArgs)
	if len(args) == 0 {
		args = []byte("{}")
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO pending_toolcalls (id, draft_event_id, original_event_id, tool_name, tool_args, status)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at, updated_at`,
		tc.ID, tc.DraftEventID, tc.OriginalEventID, tc.ToolName, args, string(tc.Status),
	).Scan(&tc.CreatedAt, &tc.UpdatedAt)
	return classify("create toolcall "+tc.ID, err)
}

func (s *ToolcallStore) GetToolcall(ctx context.Context, id string) (*store.PendingToolcall, error) {
	tc, err := scanToolcall(s.db.QueryRowContext(ctx,
		`SELECT `+toolcallColumns+` FROM pending_toolcalls WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get toolcall "+id, err)
	}
	return tc, nil
}

func (s *ToolcallStore) ToolcallByDraft(ctx context.Context, draftEventID string) (*store.PendingToolcall, error) {
	tc, err := scanToolcall(s.db.QueryRowContext(ctx,
		`SELECT `+toolcallColumns+` FROM pending_toolcalls WHERE draft_event_id = $1`, draftEventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("toolcall by draft "+draftEventID, err)
	}
	return tc, nil
}

// TransitionToolcall is a compare-and-set on status; RowsAffected decides
// which of several racing reactions wins.
func (s *ToolcallStore) TransitionToolcall(ctx context.Context, id string, status store.ToolcallStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_toolcalls SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		string(status), id, string(store.ToolcallPending))
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
		tc     store.PendingToolcall
		args   []byte
		status string
	)
	if err := row.Scan(&tc.ID, &tc.DraftEventID, &tc.OriginalEventID, &tc.ToolName, &args, &status,
		&tc.CreatedAt, &tc.UpdatedAt); err != nil {
		return nil, err
	}
	tc.ToolArgs = args
	tc.Status = store.ToolcallStatus(status)
	return &tc, nil
}
