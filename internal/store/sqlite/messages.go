package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/beaver/internal/store"
)

const messageColumns = `event_id, thread_id, channel_id, space_id, user_id, message, reply_id,
	is_mentioned, mentions, is_thread_starter, is_ask_thread, created_at`

// MessageStore implements store.MessageStore.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Save(ctx context.Context, m *store.Message) error {
	mentions, err := json.Marshal(mentionsOrEmpty(m.Mentions))
	if err != nil {
		return store.NewError("save message", store.KindPermanent, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.EventID, m.ThreadID, m.ChannelID, m.SpaceID, m.UserID, m.Message, nullable(m.ReplyID),
		m.IsMentioned, string(mentions), m.IsThreadStarter, m.IsAskThread, m.CreatedAt.UTC().UnixMicro(),
	)
	return classify("save message "+m.EventID, err)
}

func (s *MessageStore) Get(ctx context.Context, eventID string) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE event_id = ?`, eventID)
	m, err := scanMessage(row)
	if err != nil {
		return nil, classify("get message "+eventID, err)
	}
	return m, nil
}

func (s *MessageStore) ThreadMessages(ctx context.Context, threadID string) ([]store.Message, error) {
	return s.query(ctx, "thread messages",
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY created_at, event_id`, threadID)
}

func (s *MessageStore) ThreadStarter(ctx context.Context, threadID string) (*store.Message, error) {
	return s.first(ctx, "thread starter",
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? AND is_thread_starter = 1
		 ORDER BY created_at LIMIT 1`, threadID)
}

func (s *MessageStore) EarliestInThread(ctx context.Context, threadID string) (*store.Message, error) {
	return s.first(ctx, "earliest in thread",
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY created_at, event_id LIMIT 1`, threadID)
}

func (s *MessageStore) PromoteStarter(ctx context.Context, eventID, threadID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET thread_id = ?, is_thread_starter = 1
		 WHERE event_id = ? AND thread_id = event_id
		   AND NOT EXISTS (SELECT 1 FROM messages WHERE thread_id = ? AND is_thread_starter = 1)`,
		threadID, eventID, threadID)
	if err != nil {
		return false, classify("promote starter "+eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("promote starter "+eventID, err)
	}
	return n > 0, nil
}

func (s *MessageStore) RecentStarters(ctx context.Context, channelID string, limit int) ([]store.Message, error) {
	return s.query(ctx, "recent starters",
		`SELECT `+messageColumns+` FROM messages WHERE channel_id = ? AND is_thread_starter = 1
		 ORDER BY created_at DESC, event_id DESC LIMIT ?`, channelID, limit)
}

func (s *MessageStore) ThreadWindows(ctx context.Context, threadIDs []string, perThread int) ([]store.Message, error) {
	if len(threadIDs) == 0 || perThread <= 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(threadIDs)), ", ")
	args := make([]any, 0, len(threadIDs)+1)
	for _, id := range threadIDs {
		args = append(args, id)
	}
	args = append(args, perThread)
	return s.query(ctx, "thread windows",
		`SELECT `+messageColumns+` FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY thread_id ORDER BY created_at, event_id) AS rn
			FROM messages WHERE thread_id IN (`+placeholders+`)
		) WHERE rn <= ? ORDER BY thread_id, created_at, event_id`, args...)
}

func (s *MessageStore) first(ctx context.Context, op, query string, args ...any) (*store.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return m, nil
}

func (s *MessageStore) query(ctx context.Context, op, query string, args ...any) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var (
		m         store.Message
		replyID   sql.NullString
		mentions  string
		createdAt int64
	)
	if err := row.Scan(&m.EventID, &m.ThreadID, &m.ChannelID, &m.SpaceID, &m.UserID, &m.Message, &replyID,
		&m.IsMentioned, &mentions, &m.IsThreadStarter, &m.IsAskThread, &createdAt); err != nil {
		return nil, err
	}
	m.ReplyID = replyID.String
	m.CreatedAt = time.UnixMicro(createdAt).UTC()
	if mentions != "" {
		if err := json.Unmarshal([]byte(mentions), &m.Mentions); err != nil {
			return nil, fmt.Errorf("decode mentions of %s: %w", m.EventID, err)
		}
	}
	if len(m.Mentions) == 0 {
		m.Mentions = nil
	}
	return &m, nil
}

func mentionsOrEmpty(ms []store.Mention) []store.Mention {
	if ms == nil {
		return []store.Mention{}
	}
	return ms
}
