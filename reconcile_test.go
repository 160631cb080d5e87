package runova

import (
	"errors"
	"testing"
	"time"
)

func pendingFor(conv, localID, sender, content string, enqueued time.Time) *pendingMessage {
	return &pendingMessage{
		msg: Message{
			LocalID:        localID,
			ConversationID: conv,
			SenderID:       sender,
			Content:        content,
			SentAt:         enqueued,
			Status:         StatusPending,
		},
		enqueued: enqueued,
	}
}

func TestPendingMatches(t *testing.T) {
	now := time.Now()
	p := pendingFor("conv-1", "local-1", "alice", "hello", now)

	t.Run("inside window", func(t *testing.T) {
		c := Message{SenderID: "alice", Content: "hello", SentAt: now.Add(500 * time.Millisecond)}
		if !p.matches(c, now.Add(time.Second)) {
			t.Fatal("expected match")
		}
	})

	t.Run("content trimmed before compare", func(t *testing.T) {
		c := Message{SenderID: "alice", Content: "  hello \n", SentAt: now}
		if !p.matches(c, now) {
			t.Fatal("expected match after trim")
		}
	})

	t.Run("different sender", func(t *testing.T) {
		c := Message{SenderID: "bob", Content: "hello", SentAt: now}
		if p.matches(c, now) {
			t.Fatal("expected no match")
		}
	})

	t.Run("too old", func(t *testing.T) {
		c := Message{SenderID: "alice", Content: "hello", SentAt: now.Add(-3 * time.Second)}
		if p.matches(c, now) {
			t.Fatal("expected no match before the window")
		}
	})

	t.Run("too new", func(t *testing.T) {
		c := Message{SenderID: "alice", Content: "hello", SentAt: now.Add(10 * time.Second)}
		if p.matches(c, now) {
			t.Fatal("expected no match after the window")
		}
	})

	t.Run("clock skew tolerated", func(t *testing.T) {
		c := Message{SenderID: "alice", Content: "hello", SentAt: now.Add(-1500 * time.Millisecond)}
		if !p.matches(c, now) {
			t.Fatal("expected match inside the skew tolerance")
		}
	})
}

func TestPendingSetReconcile(t *testing.T) {
	t.Run("committed twin retires pending", func(t *testing.T) {
		s := newPendingSet()
		now := time.Now()
		s.add(pendingFor("conv-1", "local-1", "alice", "hello", now))

		committed := []Message{{ID: "msg-1", SenderID: "alice", Content: "hello", SentAt: now}}
		if !s.reconcile("conv-1", committed, now) {
			t.Fatal("expected reconcile to retire the entry")
		}
		if got := s.snapshot("conv-1"); len(got) != 0 {
			t.Fatalf("still pending: %v", got)
		}
	})

	t.Run("each committed retires at most one", func(t *testing.T) {
		s := newPendingSet()
		now := time.Now()
		s.add(pendingFor("conv-1", "local-1", "alice", "hello", now))
		s.add(pendingFor("conv-1", "local-2", "alice", "hello", now))

		committed := []Message{{ID: "msg-1", SenderID: "alice", Content: "hello", SentAt: now}}
		s.reconcile("conv-1", committed, now)

		left := s.snapshot("conv-1")
		if len(left) != 1 {
			t.Fatalf("want one survivor, got %v", left)
		}
		if left[0].LocalID != "local-2" {
			t.Fatalf("earliest entry should retire first, survivor = %q", left[0].LocalID)
		}
	})

	t.Run("two committed retire two pending", func(t *testing.T) {
		s := newPendingSet()
		now := time.Now()
		s.add(pendingFor("conv-1", "local-1", "alice", "hello", now))
		s.add(pendingFor("conv-1", "local-2", "alice", "hello", now))

		committed := []Message{
			{ID: "msg-1", SenderID: "alice", Content: "hello", SentAt: now},
			{ID: "msg-2", SenderID: "alice", Content: "hello", SentAt: now},
		}
		s.reconcile("conv-1", committed, now)
		if got := s.snapshot("conv-1"); len(got) != 0 {
			t.Fatalf("still pending: %v", got)
		}
	})

	t.Run("unrelated committed leaves pending alone", func(t *testing.T) {
		s := newPendingSet()
		now := time.Now()
		s.add(pendingFor("conv-1", "local-1", "alice", "hello", now))

		committed := []Message{{ID: "msg-1", SenderID: "bob", Content: "hey", SentAt: now}}
		if s.reconcile("conv-1", committed, now) {
			t.Fatal("expected no retirement")
		}
		if got := s.snapshot("conv-1"); len(got) != 1 {
			t.Fatalf("pending = %v", got)
		}
	})

	t.Run("conversations are isolated", func(t *testing.T) {
		s := newPendingSet()
		now := time.Now()
		s.add(pendingFor("conv-1", "local-1", "alice", "hello", now))
		s.add(pendingFor("conv-2", "local-2", "alice", "hello", now))

		committed := []Message{{ID: "msg-1", SenderID: "alice", Content: "hello", SentAt: now}}
		s.reconcile("conv-1", committed, now)
		if got := s.snapshot("conv-2"); len(got) != 1 {
			t.Fatalf("conv-2 pending = %v", got)
		}
	})
}

func TestReconcileLeavesFailedEntries(t *testing.T) {
	s := newPendingSet()
	now := time.Now()

	// First send of "hello" committed; an immediate identical resend
	// failed. The committed twin of the first send must not swallow the
	// failed resend.
	s.add(pendingFor("conv-1", "local-1", "alice", "hello", now))
	s.markFailed("conv-1", "local-1", errors.New("rejected"))

	committed := []Message{{ID: "msg-1", SenderID: "alice", Content: "hello", SentAt: now}}
	if s.reconcile("conv-1", committed, now) {
		t.Fatal("a failed entry must not be retired")
	}
	snap := s.snapshot("conv-1")
	if len(snap) != 1 || snap[0].Status != StatusFailed {
		t.Fatalf("failed entry must stay visible, got %v", snap)
	}

	// Once retried the entry is pending again and its own commit retires
	// it normally.
	if _, ok := s.markRetrying("conv-1", "local-1"); !ok {
		t.Fatal("markRetrying should flip the entry")
	}
	retryCommit := []Message{{ID: "msg-2", SenderID: "alice", Content: "hello", SentAt: time.Now()}}
	if !s.reconcile("conv-1", retryCommit, time.Now()) {
		t.Fatal("retried entry should reconcile against its commit")
	}
	if got := s.snapshot("conv-1"); len(got) != 0 {
		t.Fatalf("still pending: %v", got)
	}
}

func TestPendingSetFailureLifecycle(t *testing.T) {
	s := newPendingSet()
	now := time.Now()
	s.add(pendingFor("conv-1", "local-1", "alice", "hello", now))

	cause := errors.New("remote rejected batch")
	if !s.markFailed("conv-1", "local-1", cause) {
		t.Fatal("markFailed should find the entry")
	}

	snap := s.snapshot("conv-1")
	if len(snap) != 1 || snap[0].Status != StatusFailed {
		t.Fatalf("failed entry must stay visible, got %v", snap)
	}

	t.Run("retry requires failed status", func(t *testing.T) {
		if _, ok := s.markRetrying("conv-1", "no-such-id"); ok {
			t.Fatal("unknown id must not retry")
		}
	})

	msg, ok := s.markRetrying("conv-1", "local-1")
	if !ok {
		t.Fatal("markRetrying should flip the failed entry")
	}
	if msg.Status != StatusPending {
		t.Fatalf("status = %q", msg.Status)
	}

	t.Run("retrying twice is a no-op", func(t *testing.T) {
		if _, ok := s.markRetrying("conv-1", "local-1"); ok {
			t.Fatal("a pending entry must not retry again")
		}
	})

	s.drop("conv-1")
	if got := s.snapshot("conv-1"); len(got) != 0 {
		t.Fatalf("drop left entries: %v", got)
	}
}

func TestPendingSnapshotOrder(t *testing.T) {
	s := newPendingSet()
	base := time.Now()
	s.add(pendingFor("conv-1", "local-1", "alice", "first", base))
	s.add(pendingFor("conv-1", "local-2", "alice", "second", base.Add(time.Millisecond)))
	s.add(pendingFor("conv-1", "local-3", "alice", "third", base.Add(2*time.Millisecond)))

	snap := s.snapshot("conv-1")
	if len(snap) != 3 {
		t.Fatalf("len = %d", len(snap))
	}
	for i, want := range []string{"first", "second", "third"} {
		if snap[i].Content != want {
			t.Fatalf("snapshot out of enqueue order: %v", snap)
		}
	}
}
