package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bhandras/relay/pkg/types"
)

// SQLChannel is the durable RequestChannel backed by the approvals table.
//
// It is the default backend: records survive restarts and are addressable from
// any process or host sharing the database.
type SQLChannel struct {
	db *sql.DB
	// ttl bounds how long unresolved records are kept before Sweep removes them.
	ttl time.Duration
}

// NewSQLChannel creates a sqlite-backed request channel.
func NewSQLChannel(db *sql.DB, ttl time.Duration) *SQLChannel {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SQLChannel{db: db, ttl: ttl}
}

func (s *SQLChannel) Create(ctx context.Context, sessionID, action string, details map[string]string) (string, error) {
	id := types.NewScopedID(sessionID)
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("failed to encode details: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO approvals (id, session_id, action, details, status, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?);
`, id, sessionID, action, string(detailsJSON), string(StatusPending), now, now.Add(s.ttl))
	if err != nil {
		return "", fmt.Errorf("failed to create approval: %w", err)
	}
	return id, nil
}

func (s *SQLChannel) Poll(ctx context.Context, id string) (Request, error) {
	req, err := s.get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if req.Status != StatusPending {
		// Resolution observed by the creator: the record's job is done.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM approvals WHERE id = ?;`, id)
	}
	return req, nil
}

func (s *SQLChannel) ListPending(ctx context.Context, sessionID string) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, action, details, status, result, created_at
FROM approvals
WHERE session_id = ? AND status = ?
ORDER BY created_at ASC;
`, sessionID, string(StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func (s *SQLChannel) Respond(ctx context.Context, id string, approved bool) error {
	status := StatusDenied
	if approved {
		status = StatusApproved
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE approvals SET status = ? WHERE id = ? AND status = ?;
`, string(status), id, string(StatusPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (s *SQLChannel) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM approvals WHERE id = ?;`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// Sweep removes expired records. Run periodically by the owning server.
func (s *SQLChannel) Sweep(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM approvals WHERE expires_at IS NOT NULL AND expires_at < ?;
`, time.Now().UTC())
	return err
}

func (s *SQLChannel) get(ctx context.Context, id string) (Request, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, session_id, action, details, status, result, created_at
FROM approvals
WHERE id = ?;
`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return Request{}, ErrNotFound
	}
	return req, err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRequest(row scannable) (Request, error) {
	var (
		req         Request
		detailsJSON string
		status      string
		result      sql.NullString
	)
	if err := row.Scan(&req.ID, &req.SessionID, &req.Action, &detailsJSON, &status, &result, &req.CreatedAt); err != nil {
		return Request{}, err
	}
	req.Status = Status(status)
	req.Result = result.String
	if detailsJSON != "" {
		_ = json.Unmarshal([]byte(detailsJSON), &req.Details)
	}
	return req, nil
}
