// Package session owns conversation continuity: per-session history, the
// one-live-invocation rule and the registry with its idle sweep.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bhandras/relay/internal/agent"
	"github.com/bhandras/relay/internal/config"
	"github.com/bhandras/relay/internal/metrics"
	"github.com/bhandras/relay/internal/response"
	"github.com/bhandras/relay/internal/store"
	"github.com/bhandras/relay/pkg/logger"
)

// ErrSessionBusy is returned when a message arrives while a previous turn for
// the same session is still running. Callers retry once the turn completes;
// turns are never queued implicitly.
var ErrSessionBusy = errors.New("session busy: a turn is already in flight")

// ErrSessionRetired is returned when a message arrives on a session instance
// the idle sweep has already removed from the registry. The caller resumes a
// fresh instance from the store and retries.
var ErrSessionRetired = errors.New("session retired by idle sweep")

// historyTailTurns bounds how many recent turns feed the instruction preamble.
const historyTailTurns = 10

// Turn is one in-memory conversation turn.
type Turn struct {
	Role    string
	Content string
}

// Session is a continuing conversation with one operator.
type Session struct {
	id       string
	operator string
	// context holds free-form context attributes (ticket, client, ...).
	context map[string]string

	store        store.Store
	agentCfg     config.AgentConfig
	systemPrompt string

	mu           sync.Mutex
	history      []Turn
	current      *agent.Invocation
	lastActivity time.Time
	retired      bool
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Operator returns the owning operator identity.
func (s *Session) Operator() string {
	return s.operator
}

// LastActivity returns when the session last saw a message or a completed turn.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Busy reports whether a turn is currently in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// History returns a copy of the in-memory conversation history.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// SendMessage starts exactly one invocation for the given user message and
// returns the response channel id for polling.
//
// The user turn is persisted before the spawn; the assistant turn is persisted
// when the invocation's read loop ends, whether it succeeded or failed. At
// most one invocation runs per session: concurrent sends fail with
// ErrSessionBusy.
func (s *Session) SendMessage(ctx context.Context, message string, responses *response.Registry) (string, error) {
	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		return "", ErrSessionRetired
	}
	if s.current != nil {
		s.mu.Unlock()
		return "", ErrSessionBusy
	}

	s.history = append(s.history, Turn{Role: store.RoleUser, Content: message})
	s.lastActivity = time.Now()
	preamble := s.buildPreambleLocked()

	inv := agent.NewInvocation(s.agentCfg, agent.Spec{
		SessionID: s.id,
		Operator:  s.operator,
		Context:   s.context,
		Preamble:  preamble,
		Message:   message,
	})
	s.current = inv
	s.mu.Unlock()

	if _, err := s.store.AppendTurn(ctx, s.id, store.RoleUser, message); err != nil {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		return "", fmt.Errorf("failed to persist user turn: %w", err)
	}
	_ = s.store.TouchSession(ctx, s.id)

	responseID := responses.Start(s.id)
	metrics.InvocationsStarted.Inc()
	go s.runTurn(inv, responseID, responses)
	return responseID, nil
}

// runTurn drains the invocation into the response channel on a background
// worker, then persists the assistant turn and releases the busy state.
func (s *Session) runTurn(inv *agent.Invocation, responseID string, responses *response.Registry) {
	text, err := inv.Run(func(u agent.Update) {
		metrics.UpdatesEmitted.WithLabelValues(string(u.Kind)).Inc()
		if u.Kind == agent.UpdateError {
			metrics.InvocationsFailed.Inc()
		}
		responses.Append(responseID, u)
	})

	errMsg := ""
	if err != nil {
		// Spawn-level failure: deliver through the same uniform update stream.
		errMsg = err.Error()
		responses.Append(responseID, agent.ErrorUpdate(errMsg))
		metrics.InvocationsFailed.Inc()
		logger.Errorf("session %s: invocation failed: %v", s.id, err)
	}

	ctx := context.Background()
	if text != "" || err == nil {
		if _, perr := s.store.AppendTurn(ctx, s.id, store.RoleAssistant, text); perr != nil {
			logger.Errorf("session %s: failed to persist assistant turn: %v", s.id, perr)
		}
	}
	_ = s.store.TouchSession(ctx, s.id)

	s.mu.Lock()
	if err == nil {
		s.history = append(s.history, Turn{Role: store.RoleAssistant, Content: text})
	}
	s.current = nil
	s.lastActivity = time.Now()
	s.mu.Unlock()

	responses.SetDone(responseID, errMsg)
}

// retireIfIdle atomically checks the busy state and the idle threshold and
// marks the session retired when both pass. A send racing the sweep either
// lands before the mark (the session stays registered) or observes it and
// fails with ErrSessionRetired, so an invocation can never start on an
// unregistered session.
func (s *Session) retireIfIdle(maxIdle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return false
	}
	if time.Since(s.lastActivity) <= maxIdle {
		return false
	}
	s.retired = true
	return true
}

// Stop cancels the in-flight invocation, if any.
//
// Returns false when no turn was running.
func (s *Session) Stop() bool {
	s.mu.Lock()
	inv := s.current
	s.mu.Unlock()

	if inv == nil {
		return false
	}
	inv.Cancel()
	return true
}

// buildPreambleLocked assembles the instruction preamble: static instructions,
// the live context block and a bounded tail of recent turns.
func (s *Session) buildPreambleLocked() string {
	var b strings.Builder
	b.WriteString(s.systemPrompt)

	b.WriteString("\n\n## Current Context\n\n")
	fmt.Fprintf(&b, "- **Operator**: %s\n", s.operator)
	fmt.Fprintf(&b, "- **Ticket**: %s\n", orUnset(s.context["ticket"]))
	fmt.Fprintf(&b, "- **Client**: %s\n", orUnset(s.context["client"]))

	tail := s.history
	if len(tail) > historyTailTurns {
		tail = tail[len(tail)-historyTailTurns:]
	}
	if len(tail) > 0 {
		b.WriteString("\n## Conversation History\n")
		for _, turn := range tail {
			role := "User"
			if turn.Role == store.RoleAssistant {
				role = "Assistant"
			}
			fmt.Fprintf(&b, "\n%s: %s\n", role, turn.Content)
		}
	}
	return b.String()
}

func orUnset(v string) string {
	if v == "" {
		return "Not set"
	}
	return v
}
