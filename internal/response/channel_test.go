package response

import (
	"fmt"
	"sync"
	"testing"

	"github.com/bhandras/relay/internal/agent"
)

func TestReadByOffset(t *testing.T) {
	r := NewRegistry()
	id := r.Start("sess-1")

	r.Append(id, agent.TextDelta("a"))
	r.Append(id, agent.TextDelta("b"))
	r.Append(id, agent.TextDelta("c"))

	poll, err := r.Read(id, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(poll.Updates) != 3 || poll.Offset != 3 || poll.Done {
		t.Fatalf("unexpected poll: %+v", poll)
	}

	// Same offset again: identical view, nothing consumed.
	again, err := r.Read(id, 0)
	if err != nil {
		t.Fatalf("re-read failed: %v", err)
	}
	if len(again.Updates) != 3 {
		t.Fatalf("re-read at offset 0 should return all updates, got %d", len(again.Updates))
	}

	// Advance past what we have seen.
	r.Append(id, agent.TextDelta("d"))
	poll, err = r.Read(id, 3)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(poll.Updates) != 1 || poll.Updates[0].Text != "d" || poll.Offset != 4 {
		t.Fatalf("unexpected incremental poll: %+v", poll)
	}
}

func TestReadClampsOffset(t *testing.T) {
	r := NewRegistry()
	id := r.Start("sess-1")
	r.Append(id, agent.TextDelta("a"))

	poll, err := r.Read(id, 100)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(poll.Updates) != 0 || poll.Offset != 1 {
		t.Fatalf("offset beyond end should clamp, got %+v", poll)
	}

	poll, err = r.Read(id, -5)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(poll.Updates) != 1 {
		t.Fatalf("negative offset should clamp to zero, got %+v", poll)
	}
}

func TestDrainedChannelIsRemoved(t *testing.T) {
	r := NewRegistry()
	id := r.Start("sess-1")
	r.Append(id, agent.TextDelta("a"))
	r.SetDone(id, "")

	poll, err := r.Read(id, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !poll.Done || len(poll.Updates) != 1 {
		t.Fatalf("expected done poll with one update, got %+v", poll)
	}

	if _, err := r.Read(id, poll.Offset); err != ErrNotFound {
		t.Fatalf("drained channel should be gone, got err=%v", err)
	}
}

func TestDoneWithUnseenUpdatesSurvivesUntilDrained(t *testing.T) {
	r := NewRegistry()
	id := r.Start("sess-1")
	r.Append(id, agent.TextDelta("a"))
	r.Append(id, agent.TextDelta("b"))
	r.SetDone(id, "")

	// Partial read: done is reported but the entry must stay.
	poll, err := r.Read(id, 2)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !poll.Done {
		t.Fatal("expected done")
	}

	// The channel was read at the end already, so it is gone now; a client
	// that still needs earlier updates must have kept them.
	if _, err := r.Read(id, 0); err != ErrNotFound {
		t.Fatalf("expected removal after fully-consumed done read, got err=%v", err)
	}
}

func TestAppendAfterDoneIsDropped(t *testing.T) {
	r := NewRegistry()
	id := r.Start("sess-1")
	r.SetDone(id, "boom")
	r.Append(id, agent.TextDelta("late"))

	poll, err := r.Read(id, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(poll.Updates) != 0 || poll.Err != "boom" {
		t.Fatalf("late append should be dropped, got %+v", poll)
	}
}

func TestUnknownIDNotFound(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Read("nope", 0); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, ok := r.SessionID("nope"); ok {
		t.Fatal("unknown id should have no session")
	}
}

func TestConcurrentAppendAndRead(t *testing.T) {
	r := NewRegistry()
	id := r.Start("sess-1")

	const n = 200
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			r.Append(id, agent.TextDelta(fmt.Sprintf("u%d", i)))
		}
		r.SetDone(id, "")
	}()

	var seen []agent.Update
	go func() {
		defer wg.Done()
		offset := 0
		for {
			poll, err := r.Read(id, offset)
			if err != nil {
				return
			}
			seen = append(seen, poll.Updates...)
			offset = poll.Offset
			if poll.Done {
				return
			}
		}
	}()

	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d updates, got %d", n, len(seen))
	}
	for i, u := range seen {
		if u.Text != fmt.Sprintf("u%d", i) {
			t.Fatalf("order violated at %d: %q", i, u.Text)
		}
	}
}
