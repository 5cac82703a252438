package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bhandras/relay/pkg/types"
)

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	db *sql.DB
}

// ErrNotFound indicates a missing session row.
var ErrNotFound = sql.ErrNoRows

// NewSQLStore creates a Store backed by the given database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) CreateSession(ctx context.Context, id, operator, ticket, client string) (SessionRow, error) {
	if id == "" {
		id = types.NewID()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (id, operator, ticket, client, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?);
`, id, operator, nullable(ticket), nullable(client), now, now)
	if err != nil {
		return SessionRow{}, fmt.Errorf("failed to create session: %w", err)
	}
	return SessionRow{
		ID:        id,
		Operator:  operator,
		Ticket:    ticket,
		Client:    client,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (SessionRow, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, operator, ticket, client, title, created_at, updated_at
FROM sessions
WHERE id = ?;
`, id)
	return scanSession(row)
}

func (s *SQLStore) ListSessions(ctx context.Context, operator string, limit int64) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, operator, ticket, client, title, created_at, updated_at
FROM sessions
WHERE operator = ?
ORDER BY updated_at DESC
LIMIT ?;
`, operator, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionRow
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	// Cascade removes the session's turns.
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, id)
	return err
}

func (s *SQLStore) SetSessionTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?;
`, title, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (s *SQLStore) TouchSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE sessions SET updated_at = ? WHERE id = ?;
`, time.Now().UTC(), id)
	return err
}

func (s *SQLStore) AppendTurn(ctx context.Context, sessionID, role, content string) (Turn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(seq), 0) + 1 FROM session_messages WHERE session_id = ?;
`, sessionID).Scan(&seq); err != nil {
		return Turn{}, fmt.Errorf("failed to allocate turn seq: %w", err)
	}

	turn := Turn{
		ID:        types.NewID(),
		SessionID: sessionID,
		Seq:       seq,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO session_messages (id, session_id, seq, role, content, created_at)
VALUES (?, ?, ?, ?, ?, ?);
`, turn.ID, turn.SessionID, turn.Seq, turn.Role, turn.Content, turn.CreatedAt); err != nil {
		return Turn{}, fmt.Errorf("failed to append turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Turn{}, err
	}
	return turn, nil
}

func (s *SQLStore) ListTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, seq, role, content, created_at
FROM session_messages
WHERE session_id = ?
ORDER BY seq ASC;
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Seq, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (SessionRow, error) {
	var (
		sess   SessionRow
		ticket sql.NullString
		client sql.NullString
		title  sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.Operator, &ticket, &client, &title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return SessionRow{}, err
	}
	sess.Ticket = ticket.String
	sess.Client = client.String
	sess.Title = title.String
	return sess, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
