// Package response bridges push-based Update production to the pull-based
// polling delivery contract.
//
// Each invocation drains into one channel entry; polling requests read the
// unseen slice by offset and never block. The indirection exists because the
// transport is a sequence of independent request/response exchanges, not one
// held-open connection.
package response

import (
	"errors"
	"sync"

	"github.com/bhandras/relay/internal/agent"
	"github.com/bhandras/relay/pkg/types"
)

// ErrNotFound indicates an unknown or already-drained response id.
var ErrNotFound = errors.New("response not found")

// Poll is the result of one polling read.
type Poll struct {
	Updates []agent.Update
	// Offset is the next offset to poll with.
	Offset int
	Done   bool
	// Err is the terminal error message, if the turn failed.
	Err string
}

type entry struct {
	sessionID string
	updates   []agent.Update
	done      bool
	err       string
}

// Registry owns all live response channels, keyed by response id.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty response channel registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Start allocates a fresh response channel bound to a session and returns its id.
func (r *Registry) Start(sessionID string) string {
	id := types.NewID()
	r.mu.Lock()
	r.entries[id] = &entry{sessionID: sessionID}
	r.mu.Unlock()
	return id
}

// Append adds one update to the channel. Appends after SetDone are dropped.
func (r *Registry) Append(id string, u agent.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.done {
		return
	}
	e.updates = append(e.updates, u)
}

// SetDone marks the channel complete, optionally with a terminal error message.
func (r *Registry) SetDone(id string, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.done = true
	e.err = errMsg
}

// SessionID returns the owning session of a live response channel.
func (r *Registry) SessionID(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	return e.sessionID, true
}

// Read returns updates at indices >= offset plus the done/error state.
//
// Read is idempotent for a given offset until new updates arrive. Once a read
// observes done and has consumed every update, the entry is discarded and
// subsequent reads return ErrNotFound.
func (r *Registry) Read(id string, offset int) (Poll, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Poll{}, ErrNotFound
	}

	if offset < 0 {
		offset = 0
	}
	if offset > len(e.updates) {
		offset = len(e.updates)
	}

	out := Poll{
		Offset: len(e.updates),
		Done:   e.done,
		Err:    e.err,
	}
	if offset < len(e.updates) {
		out.Updates = append(out.Updates, e.updates[offset:]...)
	}

	// Fully consumed after completion: free the entry.
	if e.done && out.Offset == len(e.updates) {
		delete(r.entries, id)
	}
	return out, nil
}
