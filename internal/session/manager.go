package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bhandras/relay/internal/config"
	"github.com/bhandras/relay/internal/metrics"
	"github.com/bhandras/relay/internal/store"
	"github.com/bhandras/relay/pkg/logger"
	"github.com/bhandras/relay/pkg/types"
)

// ErrSessionNotFound is returned for lookups of sessions that are neither
// live nor persisted.
var ErrSessionNotFound = errors.New("session not found")

// Manager is the registry of live sessions. Lookup by id, on-demand creation
// and a periodic idle sweep all go through it.
type Manager struct {
	store        store.Store
	agentCfg     config.AgentConfig
	systemPrompt string
	maxIdle      time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewManager creates a session registry backed by the given store.
func NewManager(st store.Store, agentCfg config.AgentConfig, systemPrompt string, maxIdle time.Duration) *Manager {
	return &Manager{
		store:        st,
		agentCfg:     agentCfg,
		systemPrompt: systemPrompt,
		maxIdle:      maxIdle,
		sessions:     make(map[string]*Session),
	}
}

// Create registers a brand new session for the operator and persists its row.
func (m *Manager) Create(ctx context.Context, operator string, attrs map[string]string) (*Session, error) {
	id := types.NewID()
	if _, err := m.store.CreateSession(ctx, id, operator, attrs["ticket"], attrs["client"]); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s := m.newSession(id, operator, attrs)

	m.mu.Lock()
	m.sessions[id] = s
	metrics.SessionsLive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	logger.Infof("session %s created for operator %s", id, operator)
	return s, nil
}

// GetOrCreate returns the live session with the given id, resuming it from
// the store when it was swept or the server restarted. A missing id falls
// through to ErrSessionNotFound.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	return m.resume(ctx, id)
}

// Get returns the live session with the given id, without touching the store.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// resume rebuilds an in-memory session from its persisted row and turns.
func (m *Manager) resume(ctx context.Context, id string) (*Session, error) {
	row, err := m.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	turns, err := m.store.ListTurns(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}

	attrs := map[string]string{
		"ticket": row.Ticket,
		"client": row.Client,
	}
	s := m.newSession(id, row.Operator, attrs)
	for _, t := range turns {
		s.history = append(s.history, Turn{Role: t.Role, Content: t.Content})
	}

	m.mu.Lock()
	// Another resume may have raced us; keep the registered one.
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[id] = s
	metrics.SessionsLive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	logger.Infof("session %s resumed with %d persisted turns", id, len(turns))
	return s, nil
}

// Destroy cancels any in-flight invocation and drops the session from the
// registry. Persisted history is kept so the session can be resumed later.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	metrics.SessionsLive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	if s.Stop() {
		logger.Infof("session %s destroyed with invocation in flight", id)
	} else {
		logger.Infof("session %s destroyed", id)
	}
	return nil
}

// Live returns the currently registered sessions.
func (m *Manager) Live() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Sweep drops sessions idle past the configured threshold and returns how
// many were removed. Sessions with a turn in flight are never swept,
// regardless of age.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		// The retire mark and the busy check share the session lock, so a
		// send racing the sweep can never start a turn on a removed session.
		if s.retireIfIdle(m.maxIdle) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(m.sessions, id)
	}
	metrics.SessionsLive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	if len(stale) > 0 {
		logger.Infof("swept %d idle session(s)", len(stale))
	}
	return len(stale)
}

// StartSweeper runs Sweep on the given interval until Shutdown.
func (m *Manager) StartSweeper(interval time.Duration) {
	m.sweepStop = make(chan struct{})
	m.sweepDone = make(chan struct{})

	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-m.sweepStop:
				return
			}
		}
	}()
}

// Shutdown stops the sweeper and cancels every in-flight invocation.
func (m *Manager) Shutdown() {
	if m.sweepStop != nil {
		close(m.sweepStop)
		<-m.sweepDone
	}

	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.sessions = make(map[string]*Session)
	metrics.SessionsLive.Set(0)
	m.mu.Unlock()

	for _, s := range live {
		s.Stop()
	}
	logger.Infof("session manager shut down, %d session(s) released", len(live))
}

func (m *Manager) newSession(id, operator string, attrs map[string]string) *Session {
	ctx := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if v != "" {
			ctx[k] = v
		}
	}
	return &Session{
		id:           id,
		operator:     operator,
		context:      ctx,
		store:        m.store,
		agentCfg:     m.agentCfg,
		systemPrompt: m.systemPrompt,
		lastActivity: time.Now(),
	}
}
