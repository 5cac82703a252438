package approval

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bhandras/relay/internal/database"
)

func testDatabase(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "approvals.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db.DB
}

func testChannels(t *testing.T) map[string]RequestChannel {
	t.Helper()
	fileChannel, err := NewFileChannel(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create file channel: %v", err)
	}
	return map[string]RequestChannel{
		"mem":    NewMemChannel(),
		"file":   fileChannel,
		"sqlite": NewSQLChannel(testDatabase(t), 0),
	}
}

func TestChannelLifecycle(t *testing.T) {
	for name, ch := range testChannels(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			id, err := ch.Create(ctx, "sess-1", "restart service", map[string]string{"host": "db-3"})
			if err != nil {
				t.Fatalf("create failed: %v", err)
			}
			if id == "" {
				t.Fatal("empty approval id")
			}

			// Pending until someone responds.
			req, err := ch.Poll(ctx, id)
			if err != nil {
				t.Fatalf("poll failed: %v", err)
			}
			if req.Status != StatusPending || req.Action != "restart service" {
				t.Fatalf("unexpected request: %+v", req)
			}
			if req.Details["host"] != "db-3" {
				t.Fatalf("details lost: %+v", req.Details)
			}

			if err := ch.Respond(ctx, id, true); err != nil {
				t.Fatalf("respond failed: %v", err)
			}

			req, err = ch.Poll(ctx, id)
			if err != nil {
				t.Fatalf("poll after respond failed: %v", err)
			}
			if req.Status != StatusApproved {
				t.Fatalf("expected approved, got %s", req.Status)
			}

			// Observation of the resolution removes the record.
			if _, err := ch.Poll(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Fatalf("resolved record should be gone, got err=%v", err)
			}
		})
	}
}

func TestChannelDenial(t *testing.T) {
	for name, ch := range testChannels(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, _ := ch.Create(ctx, "sess-1", "delete records", nil)

			if err := ch.Respond(ctx, id, false); err != nil {
				t.Fatalf("respond failed: %v", err)
			}
			req, err := ch.Poll(ctx, id)
			if err != nil {
				t.Fatalf("poll failed: %v", err)
			}
			if req.Status != StatusDenied {
				t.Fatalf("expected denied, got %s", req.Status)
			}
		})
	}
}

func TestChannelRespondTwice(t *testing.T) {
	for name, ch := range testChannels(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, _ := ch.Create(ctx, "sess-1", "x", nil)

			if err := ch.Respond(ctx, id, true); err != nil {
				t.Fatalf("respond failed: %v", err)
			}
			if err := ch.Respond(ctx, id, false); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second respond should fail with ErrNotFound, got %v", err)
			}
			if err := ch.Respond(ctx, "sess-1-00000", true); !errors.Is(err, ErrNotFound) {
				t.Fatalf("responding to unknown id should fail, got %v", err)
			}
		})
	}
}

func TestChannelListPending(t *testing.T) {
	for name, ch := range testChannels(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, _ := ch.Create(ctx, "sess-1", "first", nil)
			time.Sleep(5 * time.Millisecond)
			second, _ := ch.Create(ctx, "sess-1", "second", nil)
			other, _ := ch.Create(ctx, "sess-2", "other", nil)

			pending, err := ch.ListPending(ctx, "sess-1")
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if len(pending) != 2 {
				t.Fatalf("expected 2 pending, got %d", len(pending))
			}
			if pending[0].ID != first || pending[1].ID != second {
				t.Fatalf("pending not in creation order: %+v", pending)
			}

			// Resolved requests drop out of the pending list.
			if err := ch.Respond(ctx, first, true); err != nil {
				t.Fatalf("respond failed: %v", err)
			}
			pending, _ = ch.ListPending(ctx, "sess-1")
			if len(pending) != 1 || pending[0].ID != second {
				t.Fatalf("expected only %s pending, got %+v", second, pending)
			}

			otherPending, _ := ch.ListPending(ctx, "sess-2")
			if len(otherPending) != 1 || otherPending[0].ID != other {
				t.Fatalf("session isolation broken: %+v", otherPending)
			}
		})
	}
}

func TestChannelDelete(t *testing.T) {
	for name, ch := range testChannels(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, _ := ch.Create(ctx, "sess-1", "x", nil)

			if err := ch.Delete(ctx, id); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if _, err := ch.Poll(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Fatalf("deleted record should be gone, got err=%v", err)
			}
			if err := ch.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Fatalf("double delete should fail, got %v", err)
			}
		})
	}
}

func TestSQLChannelSweepRemovesExpired(t *testing.T) {
	ctx := context.Background()
	db := testDatabase(t)

	shortLived := NewSQLChannel(db, 50*time.Millisecond)
	longLived := NewSQLChannel(db, time.Hour)

	expired, err := shortLived.Create(ctx, "sess-1", "old", nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	fresh, err := longLived.Create(ctx, "sess-1", "new", nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := shortLived.Sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	if _, err := shortLived.Poll(ctx, expired); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired record should be swept, got err=%v", err)
	}
	req, err := shortLived.Poll(ctx, fresh)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if req.Status != StatusPending {
		t.Fatalf("fresh record should survive the sweep, got %s", req.Status)
	}
}

func TestScopedIDsAreUniquePerSession(t *testing.T) {
	ctx := context.Background()
	ch := NewMemChannel()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, err := ch.Create(ctx, "sess-1", "x", nil)
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate approval id %s", id)
		}
		seen[id] = true
	}
}

func TestCoordinatorAwaitApproved(t *testing.T) {
	ctx := context.Background()
	ch := NewMemChannel()
	coord := NewCoordinator(ch, 5*time.Second)

	id, err := coord.Create(ctx, "sess-1", "restart", nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = coord.Respond(context.Background(), id, true)
	}()

	approved, err := coord.Await(ctx, id)
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if !approved {
		t.Fatal("expected approval")
	}
}

func TestCoordinatorAwaitTimeoutIsDenial(t *testing.T) {
	ctx := context.Background()
	ch := NewMemChannel()
	coord := NewCoordinator(ch, 100*time.Millisecond)

	id, err := coord.Create(ctx, "sess-1", "restart", nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	approved, err := coord.Await(ctx, id)
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if approved {
		t.Fatal("timeout must deny")
	}

	// The requester cleans up its own record on timeout.
	if _, err := ch.Poll(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("timed-out record should be removed, got err=%v", err)
	}
}

func TestCoordinatorAwaitFileChannel(t *testing.T) {
	ctx := context.Background()
	ch, err := NewFileChannel(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create file channel: %v", err)
	}
	coord := NewCoordinator(ch, 5*time.Second)

	id, err := coord.Create(ctx, "sess-1", "rotate keys", nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = coord.Respond(context.Background(), id, false)
	}()

	approved, err := coord.Await(ctx, id)
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if approved {
		t.Fatal("expected denial")
	}
}
