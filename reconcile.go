package runova

import (
	"strings"
	"sync"
	"time"
)

// reconcileSkew absorbs clock drift between the client's enqueue time and
// the server-assigned timestamp when matching pending messages against
// committed ones.
const reconcileSkew = 2 * time.Second

// pendingMessage is a locally sent message awaiting its committed twin.
// It exists only in memory, keyed by (conversation, local id).
type pendingMessage struct {
	msg      Message
	enqueued time.Time
	lastErr  error
}

// matches reports whether a committed message is this pending entry's
// server-side commit: same sender, same trimmed content, and a server
// timestamp inside the tolerance window around [enqueue, now].
func (p *pendingMessage) matches(committed Message, now time.Time) bool {
	if committed.SenderID != p.msg.SenderID {
		return false
	}
	if strings.TrimSpace(committed.Content) != strings.TrimSpace(p.msg.Content) {
		return false
	}
	if committed.SentAt.Before(p.enqueued.Add(-reconcileSkew)) {
		return false
	}
	if committed.SentAt.After(now.Add(reconcileSkew)) {
		return false
	}
	return true
}

// pendingSet holds every outstanding optimistic send, per conversation, in
// enqueue order.
type pendingSet struct {
	mu     sync.Mutex
	byConv map[string][]*pendingMessage
}

func newPendingSet() *pendingSet {
	return &pendingSet{byConv: make(map[string][]*pendingMessage)}
}

func (s *pendingSet) add(p *pendingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	convID := p.msg.ConversationID
	s.byConv[convID] = append(s.byConv[convID], p)
}

// markFailed flips a pending entry to Failed so it stays visible with a
// distinct style instead of silently disappearing.
func (s *pendingSet) markFailed(conversationID, localID string, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byConv[conversationID] {
		if p.msg.LocalID == localID {
			p.msg.Status = StatusFailed
			p.lastErr = err
			return true
		}
	}
	return false
}

// markRetrying returns a Failed entry to Pending before a new write
// attempt. Reports false when no such entry exists.
func (s *pendingSet) markRetrying(conversationID, localID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byConv[conversationID] {
		if p.msg.LocalID == localID && p.msg.Status == StatusFailed {
			p.msg.Status = StatusPending
			p.lastErr = nil
			p.enqueued = time.Now()
			return p.msg, true
		}
	}
	return Message{}, false
}

// snapshot returns the outstanding messages for a conversation in enqueue
// order.
func (s *pendingSet) snapshot(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.byConv[conversationID]
	out := make([]Message, 0, len(entries))
	for _, p := range entries {
		out = append(out, p.msg)
	}
	return out
}

// reconcile retires pending entries that now have a committed twin in the
// snapshot. Committed messages are walked in arrival order, so when several
// committed messages fall inside one pending entry's window, the
// earliest-arriving one retires it; each committed message retires at most
// one pending entry. Reports whether anything was retired.
func (s *pendingSet) reconcile(conversationID string, committed []Message, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.byConv[conversationID]
	if len(entries) == 0 {
		return false
	}

	retired := make(map[*pendingMessage]bool)
	for _, c := range committed {
		for _, p := range entries {
			if retired[p] {
				continue
			}
			// A Failed entry has no in-flight write; any committed
			// message matching it belongs to an earlier send, and
			// retiring it would silently discard the failure.
			if p.msg.Status != StatusPending {
				continue
			}
			if p.matches(c, now) {
				retired[p] = true
				break
			}
		}
	}
	if len(retired) == 0 {
		return false
	}

	remaining := entries[:0]
	for _, p := range entries {
		if !retired[p] {
			remaining = append(remaining, p)
		}
	}
	if len(remaining) == 0 {
		delete(s.byConv, conversationID)
	} else {
		s.byConv[conversationID] = remaining
	}
	return true
}

// drop removes a conversation's pending entries outright (stream teardown).
func (s *pendingSet) drop(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byConv, conversationID)
}
