// Package approval matches approval requests raised by tools running inside
// the agent's process tree against human decisions arriving through the HTTP
// surface.
//
// Requester and responder do not share memory in the general case, so the
// rendezvous goes through a RequestChannel: a durable, globally-addressable
// record store keyed by an id derived from the session id plus a timestamp.
package approval

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// ErrNotFound indicates an unknown or already-resolved approval id.
var ErrNotFound = errors.New("approval not found")

// Request is one approval request record.
type Request struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Action    string            `json:"action"`
	Details   map[string]string `json:"details,omitempty"`
	Status    Status            `json:"status"`
	Result    string            `json:"result,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// RequestChannel is the cross-process rendezvous for approval records.
//
// Implementations must be safe for concurrent use from independent callers;
// the sqlite and file channels additionally work across process boundaries.
type RequestChannel interface {
	// Create registers a new pending request and returns its id.
	Create(ctx context.Context, sessionID, action string, details map[string]string) (string, error)

	// Poll returns the request's current state. Once a poll observes a status
	// other than pending, the record is removed and later polls return
	// ErrNotFound.
	Poll(ctx context.Context, id string) (Request, error)

	// ListPending returns the pending requests for a session, oldest first.
	ListPending(ctx context.Context, sessionID string) ([]Request, error)

	// Respond resolves a pending request. Responding to an unknown or already
	// resolved request returns ErrNotFound.
	Respond(ctx context.Context, id string, approved bool) error

	// Delete removes a request outright; requesters call this when they give
	// up waiting.
	Delete(ctx context.Context, id string) error
}
