package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bhandras/relay/pkg/types"
)

// MemChannel is an in-process RequestChannel.
//
// Only valid when requester and responder share memory; used by tests and by
// deployments that run the tools inside the server process.
type MemChannel struct {
	mu       sync.Mutex
	requests map[string]*memRequest
}

type memRequest struct {
	req Request
	// resolved receives the decision exactly once.
	resolved chan Status
}

// NewMemChannel creates an in-process request channel.
func NewMemChannel() *MemChannel {
	return &MemChannel{requests: make(map[string]*memRequest)}
}

func (m *MemChannel) Create(_ context.Context, sessionID, action string, details map[string]string) (string, error) {
	id := types.NewScopedID(sessionID)
	m.mu.Lock()
	m.requests[id] = &memRequest{
		req: Request{
			ID:        id,
			SessionID: sessionID,
			Action:    action,
			Details:   details,
			Status:    StatusPending,
			CreatedAt: time.Now().UTC(),
		},
		resolved: make(chan Status, 1),
	}
	m.mu.Unlock()
	return id, nil
}

func (m *MemChannel) Poll(_ context.Context, id string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	req := entry.req
	if req.Status != StatusPending {
		delete(m.requests, id)
	}
	return req, nil
}

func (m *MemChannel) ListPending(_ context.Context, sessionID string) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var requests []Request
	for _, entry := range m.requests {
		if entry.req.SessionID == sessionID && entry.req.Status == StatusPending {
			requests = append(requests, entry.req)
		}
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
	return requests, nil
}

func (m *MemChannel) Respond(_ context.Context, id string, approved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.requests[id]
	if !ok || entry.req.Status != StatusPending {
		return ErrNotFound
	}
	if approved {
		entry.req.Status = StatusApproved
	} else {
		entry.req.Status = StatusDenied
	}
	// Non-blocking: the channel is buffered and written exactly once.
	entry.resolved <- entry.req.Status
	return nil
}

func (m *MemChannel) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[id]; !ok {
		return ErrNotFound
	}
	delete(m.requests, id)
	return nil
}

// Wait blocks on the decision channel until resolution or timeout.
func (m *MemChannel) Wait(ctx context.Context, id string, timeout time.Duration) (Request, error) {
	m.mu.Lock()
	entry, ok := m.requests[id]
	m.mu.Unlock()
	if !ok {
		return Request{}, ErrNotFound
	}

	select {
	case <-ctx.Done():
		return Request{}, ctx.Err()
	case <-time.After(timeout):
		return Request{}, context.DeadlineExceeded
	case <-entry.resolved:
		return m.Poll(ctx, id)
	}
}
