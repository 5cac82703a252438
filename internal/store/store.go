// Package store persists sessions and their conversation turns.
//
// The session engine only depends on the narrow Store interface; SQLStore is
// the sqlite implementation used in production.
package store

import (
	"context"
	"time"
)

// SessionRow is a persisted session.
type SessionRow struct {
	ID        string
	Operator  string
	Ticket    string
	Client    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is one persisted conversation turn.
type Turn struct {
	ID        string
	SessionID string
	Seq       int64
	Role      string
	Content   string
	CreatedAt time.Time
}

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Store abstracts conversation persistence for the session engine.
type Store interface {
	CreateSession(ctx context.Context, id, operator, ticket, client string) (SessionRow, error)
	GetSession(ctx context.Context, id string) (SessionRow, error)
	ListSessions(ctx context.Context, operator string, limit int64) ([]SessionRow, error)
	DeleteSession(ctx context.Context, id string) error
	SetSessionTitle(ctx context.Context, id, title string) error
	TouchSession(ctx context.Context, id string) error

	AppendTurn(ctx context.Context, sessionID, role, content string) (Turn, error)
	ListTurns(ctx context.Context, sessionID string) ([]Turn, error)
}
