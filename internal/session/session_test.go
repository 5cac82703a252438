package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bhandras/relay/internal/agent"
	"github.com/bhandras/relay/internal/config"
	"github.com/bhandras/relay/internal/response"
	"github.com/bhandras/relay/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]store.SessionRow
	turns    map[string][]store.Turn
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]store.SessionRow),
		turns:    make(map[string][]store.Turn),
	}
}

func (s *fakeStore) CreateSession(_ context.Context, id, operator, ticket, client string) (store.SessionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := store.SessionRow{
		ID:        id,
		Operator:  operator,
		Ticket:    ticket,
		Client:    client,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.sessions[id] = row
	return row, nil
}

func (s *fakeStore) GetSession(_ context.Context, id string) (store.SessionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.sessions[id]
	if !ok {
		return store.SessionRow{}, store.ErrNotFound
	}
	return row, nil
}

func (s *fakeStore) ListSessions(_ context.Context, operator string, _ int64) ([]store.SessionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []store.SessionRow
	for _, row := range s.sessions {
		if row.Operator == operator {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (s *fakeStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.turns, id)
	return nil
}

func (s *fakeStore) SetSessionTitle(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.sessions[id]
	row.Title = title
	s.sessions[id] = row
	return nil
}

func (s *fakeStore) TouchSession(_ context.Context, id string) error { return nil }

func (s *fakeStore) AppendTurn(_ context.Context, sessionID, role, content string) (store.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn := store.Turn{
		SessionID: sessionID,
		Seq:       int64(len(s.turns[sessionID]) + 1),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	s.turns[sessionID] = append(s.turns[sessionID], turn)
	return turn, nil
}

func (s *fakeStore) ListTurns(_ context.Context, sessionID string) ([]store.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Turn, len(s.turns[sessionID]))
	copy(out, s.turns[sessionID])
	return out, nil
}

func (s *fakeStore) turnCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns[sessionID])
}

// writeScript drops a fake agent into a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func agentConfig(binary string) config.AgentConfig {
	return config.AgentConfig{
		Binary:      binary,
		Model:       "test-model",
		IdleTimeout: 30 * time.Second,
	}
}

const quickReplyScript = `
echo '{"type":"content_block_delta","delta":{"type":"text_delta","text":"test reply"}}'
echo '{"type":"result"}'
`

const slowReplyScript = `
echo '{"type":"content_block_delta","delta":{"type":"text_delta","text":"thinking"}}'
sleep 1
echo '{"type":"result"}'
`

// pollUntilDone drains a response channel, failing the test on deadline.
func pollUntilDone(t *testing.T, r *response.Registry, id string) ([]agent.Update, string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	offset := 0
	var updates []agent.Update
	for time.Now().Before(deadline) {
		poll, err := r.Read(id, offset)
		if err != nil {
			t.Fatalf("poll failed: %v", err)
		}
		updates = append(updates, poll.Updates...)
		offset = poll.Offset
		if poll.Done {
			return updates, poll.Err
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("response never completed")
	return nil, ""
}

func TestSendMessageRoundTrip(t *testing.T) {
	st := newFakeStore()
	mgr := NewManager(st, agentConfig(writeScript(t, quickReplyScript)), "prompt", time.Hour)
	responses := response.NewRegistry()

	sess, err := mgr.Create(context.Background(), "alice", map[string]string{"ticket": "T-1"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	respID, err := sess.SendMessage(context.Background(), "hello?", responses)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	updates, errMsg := pollUntilDone(t, responses, respID)
	if errMsg != "" {
		t.Fatalf("unexpected terminal error: %s", errMsg)
	}

	var text strings.Builder
	for _, u := range updates {
		if u.Kind == agent.UpdateTextDelta {
			text.WriteString(u.Text)
		}
	}
	if text.String() != "test reply" {
		t.Fatalf("unexpected reply text %q", text.String())
	}

	// Both turns persisted: the user message before the spawn, the reply after.
	waitFor(t, func() bool { return st.turnCount(sess.ID()) == 2 })
	turns, _ := st.ListTurns(context.Background(), sess.ID())
	if turns[0].Role != store.RoleUser || turns[0].Content != "hello?" {
		t.Fatalf("bad user turn: %+v", turns[0])
	}
	if turns[1].Role != store.RoleAssistant || turns[1].Content != "test reply" {
		t.Fatalf("bad assistant turn: %+v", turns[1])
	}

	waitFor(t, func() bool { return !sess.Busy() })
	if got := len(sess.History()); got != 2 {
		t.Fatalf("expected 2 history turns, got %d", got)
	}
}

func TestSendMessageWhileBusyIsRejected(t *testing.T) {
	st := newFakeStore()
	mgr := NewManager(st, agentConfig(writeScript(t, slowReplyScript)), "prompt", time.Hour)
	responses := response.NewRegistry()

	sess, err := mgr.Create(context.Background(), "alice", nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	respID, err := sess.SendMessage(context.Background(), "first", responses)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if _, err := sess.SendMessage(context.Background(), "second", responses); err != ErrSessionBusy {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}

	pollUntilDone(t, responses, respID)
	waitFor(t, func() bool { return !sess.Busy() })

	// After the turn completes the session accepts messages again.
	if _, err := sess.SendMessage(context.Background(), "third", responses); err != nil {
		t.Fatalf("send after completion failed: %v", err)
	}
}

func TestStopCancelsInFlightTurn(t *testing.T) {
	st := newFakeStore()
	script := writeScript(t, `
echo '{"type":"content_block_delta","delta":{"type":"text_delta","text":"working"}}'
exec sleep 60
`)
	mgr := NewManager(st, agentConfig(script), "prompt", time.Hour)
	responses := response.NewRegistry()

	sess, _ := mgr.Create(context.Background(), "alice", nil)
	respID, err := sess.SendMessage(context.Background(), "go", responses)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	// Let the child start before cancelling.
	time.Sleep(300 * time.Millisecond)
	if !sess.Stop() {
		t.Fatal("expected a turn to stop")
	}

	updates, _ := pollUntilDone(t, responses, respID)
	last := updates[len(updates)-1]
	if last.Kind != agent.UpdateLiveStatus || last.Text != "stopped by user" {
		t.Fatalf("expected stop status, got %+v", last)
	}
}

func TestGetOrCreateResumesFromStore(t *testing.T) {
	st := newFakeStore()
	ctx := context.Background()
	st.CreateSession(ctx, "old-session", "alice", "T-9", "")
	st.AppendTurn(ctx, "old-session", store.RoleUser, "earlier question")
	st.AppendTurn(ctx, "old-session", store.RoleAssistant, "earlier answer")

	mgr := NewManager(st, agentConfig("true"), "prompt", time.Hour)

	sess, err := mgr.GetOrCreate(ctx, "old-session")
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if sess.Operator() != "alice" {
		t.Fatalf("wrong operator %q", sess.Operator())
	}
	history := sess.History()
	if len(history) != 2 || history[1].Content != "earlier answer" {
		t.Fatalf("history not restored: %+v", history)
	}

	// Second lookup returns the same live session.
	again, err := mgr.GetOrCreate(ctx, "old-session")
	if err != nil || again != sess {
		t.Fatalf("expected identical live session, err=%v", err)
	}

	if _, err := mgr.GetOrCreate(ctx, "no-such-session"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSweepRemovesIdleKeepsBusy(t *testing.T) {
	st := newFakeStore()
	mgr := NewManager(st, agentConfig(writeScript(t, slowReplyScript)), "prompt", 50*time.Millisecond)
	responses := response.NewRegistry()

	idle, _ := mgr.Create(context.Background(), "alice", nil)
	busy, _ := mgr.Create(context.Background(), "alice", nil)
	respID, err := busy.SendMessage(context.Background(), "work", responses)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	removed := mgr.Sweep()
	if removed != 1 {
		t.Fatalf("expected 1 swept session, got %d", removed)
	}
	if _, ok := mgr.Get(idle.ID()); ok {
		t.Fatal("idle session should be swept")
	}
	if _, ok := mgr.Get(busy.ID()); !ok {
		t.Fatal("busy session must survive the sweep")
	}

	// A second sweep right away removes nothing new.
	if removed := mgr.Sweep(); removed != 0 {
		t.Fatalf("second sweep removed %d sessions", removed)
	}

	pollUntilDone(t, responses, respID)
}

func TestSweptSessionRejectsStaleSend(t *testing.T) {
	st := newFakeStore()
	mgr := NewManager(st, agentConfig(writeScript(t, quickReplyScript)), "prompt", 50*time.Millisecond)
	responses := response.NewRegistry()

	sess, _ := mgr.Create(context.Background(), "alice", nil)
	time.Sleep(100 * time.Millisecond)
	if removed := mgr.Sweep(); removed != 1 {
		t.Fatalf("expected 1 swept session, got %d", removed)
	}

	// A caller still holding the old instance cannot start a turn on it, so a
	// resume can never race it into a second child for the same session id.
	if _, err := sess.SendMessage(context.Background(), "late", responses); err != ErrSessionRetired {
		t.Fatalf("expected ErrSessionRetired, got %v", err)
	}

	fresh, err := mgr.GetOrCreate(context.Background(), sess.ID())
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if fresh == sess {
		t.Fatal("resume must return a fresh instance, not the retired one")
	}
	respID, err := fresh.SendMessage(context.Background(), "retry", responses)
	if err != nil {
		t.Fatalf("send on resumed session failed: %v", err)
	}
	pollUntilDone(t, responses, respID)
}

func TestRetireIfIdleSkipsBusySession(t *testing.T) {
	s := &Session{lastActivity: time.Now().Add(-time.Hour)}
	s.current = agent.NewInvocation(config.AgentConfig{}, agent.Spec{})
	if s.retireIfIdle(time.Minute) {
		t.Fatal("busy session must not retire")
	}
	s.current = nil
	if !s.retireIfIdle(time.Minute) {
		t.Fatal("idle session should retire")
	}
}

func TestDestroyUnknownSession(t *testing.T) {
	mgr := NewManager(newFakeStore(), agentConfig("true"), "prompt", time.Hour)
	if err := mgr.Destroy("missing"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestPreambleIncludesContextAndHistoryTail(t *testing.T) {
	s := &Session{
		operator:     "alice",
		context:      map[string]string{"ticket": "T-42", "client": "acme"},
		systemPrompt: "Base instructions.",
	}
	for i := 0; i < 15; i++ {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		s.history = append(s.history, Turn{Role: role, Content: fmt.Sprintf("turn %d", i)})
	}

	preamble := s.buildPreambleLocked()

	if !strings.HasPrefix(preamble, "Base instructions.") {
		t.Fatal("static instructions must lead the preamble")
	}
	if !strings.Contains(preamble, "**Operator**: alice") ||
		!strings.Contains(preamble, "**Ticket**: T-42") ||
		!strings.Contains(preamble, "**Client**: acme") {
		t.Fatalf("context block incomplete:\n%s", preamble)
	}

	// Only the last ten turns make it in.
	if strings.Contains(preamble, "turn 4") {
		t.Fatal("old turns must be trimmed from the preamble")
	}
	if !strings.Contains(preamble, "turn 5") || !strings.Contains(preamble, "turn 14") {
		t.Fatalf("recent turns missing:\n%s", preamble)
	}
}

func TestPreambleUnsetContext(t *testing.T) {
	s := &Session{operator: "bob", systemPrompt: "Base."}
	preamble := s.buildPreambleLocked()
	if !strings.Contains(preamble, "**Ticket**: Not set") {
		t.Fatalf("unset context should read 'Not set':\n%s", preamble)
	}
	if strings.Contains(preamble, "Conversation History") {
		t.Fatal("empty history should omit the history section")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
