package runova

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyncService maintains a live, de-duplicated, profile-enriched view of the
// current user's conversations and their messages, reconciling remote
// snapshots with locally issued but not-yet-confirmed sends. One instance
// is constructed per session and passed to the screens that need it; there
// is no process-wide singleton.
type SyncService struct {
	store    RemoteStore
	profiles *ProfileCache
	session  *Session
	logger   *slog.Logger

	pending *pendingSet

	mu          sync.Mutex
	closed      bool
	listStreams map[*ConversationListStream]struct{}
	msgStreams  map[string]map[*MessageStream]struct{}
}

// SyncOption configures a SyncService.
type SyncOption func(*SyncService)

// WithSyncLogger overrides the service logger.
func WithSyncLogger(logger *slog.Logger) SyncOption {
	return func(s *SyncService) { s.logger = logger }
}

// NewSyncService wires the sync layer over a store, a profile cache and the
// current session.
func NewSyncService(store RemoteStore, profiles *ProfileCache, session *Session, opts ...SyncOption) *SyncService {
	s := &SyncService{
		store:       store,
		profiles:    profiles,
		session:     session,
		logger:      slog.Default(),
		pending:     newPendingSet(),
		listStreams: make(map[*ConversationListStream]struct{}),
		msgStreams:  make(map[string]map[*MessageStream]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close shuts every open stream. Idempotent.
func (s *SyncService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	lists := make([]*ConversationListStream, 0, len(s.listStreams))
	for st := range s.listStreams {
		lists = append(lists, st)
	}
	var msgs []*MessageStream
	for _, set := range s.msgStreams {
		for st := range set {
			msgs = append(msgs, st)
		}
	}
	s.mu.Unlock()

	for _, st := range lists {
		st.Close()
	}
	for _, st := range msgs {
		st.Close()
	}
}

func (s *SyncService) requireSession() error {
	if !s.session.Valid() {
		return ErrUnauthenticated
	}
	return nil
}

// ============================================================================
// Conversation list
// ============================================================================

// ConversationListStream delivers the full, ordered conversation list on
// every change.
type ConversationListStream struct {
	svc *SyncService
	sub *Subscription

	ch chan []ConversationView

	// mu orders deliveries against finish so a snapshot racing Close is
	// dropped, never sent into a closed channel.
	mu   sync.Mutex
	done bool
}

// Snapshots returns the delivery channel; closed when the stream ends.
func (st *ConversationListStream) Snapshots() <-chan []ConversationView { return st.ch }

// Close unsubscribes. Idempotent; a snapshot racing Close is dropped.
func (st *ConversationListStream) Close() {
	st.finish()
	st.sub.Close()
	st.svc.mu.Lock()
	delete(st.svc.listStreams, st)
	st.svc.mu.Unlock()
}

// finish ends the snapshot channel. Idempotent; taking mu guarantees no
// deliver is mid-send when the channel closes.
func (st *ConversationListStream) finish() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}
	st.done = true
	close(st.ch)
}

func (st *ConversationListStream) deliver(views []ConversationView) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}
	for {
		select {
		case st.ch <- views:
			return
		default:
		}
		select {
		case <-st.ch:
		default:
		}
	}
}

// ConversationList subscribes to every conversation the current user
// participates in. Each emission is the complete list, profile-enriched,
// sorted by last activity descending with ties broken by id, and free of
// duplicate conversation ids.
func (s *SyncService) ConversationList(ctx context.Context) (*ConversationListStream, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStreamClosed
	}
	s.mu.Unlock()

	sub, err := s.store.Subscribe(ctx, CollConversations, Query{
		Field:      "participantIds",
		Op:         OpArrayContains,
		Value:      s.session.UserID,
		OrderBy:    "lastMessageAt",
		Descending: true,
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe conversations: %w", err)
	}

	st := &ConversationListStream{
		svc: s,
		sub: sub,
		ch:  make(chan []ConversationView, 1),
	}
	s.mu.Lock()
	s.listStreams[st] = struct{}{}
	s.mu.Unlock()

	go s.runConversationList(ctx, st)
	return st, nil
}

func (s *SyncService) runConversationList(ctx context.Context, st *ConversationListStream) {
	for docs := range st.sub.Snapshots() {
		views, err := s.buildConversationViews(ctx, docs)
		if err != nil {
			// Non-fatal: keep the last emitted list on screen and wait
			// for the next snapshot.
			s.logger.Warn("conversation list resolution failed", "error", err)
			continue
		}
		st.deliver(views)
	}
	st.Close()
}

// buildConversationViews decodes a snapshot, resolves participant profiles
// through the cache, and orders the result.
func (s *SyncService) buildConversationViews(ctx context.Context, docs []Document) ([]ConversationView, error) {
	userID := s.session.UserID

	seen := make(map[string]struct{}, len(docs))
	convs := make([]Conversation, 0, len(docs))
	var resolve []string
	for _, d := range docs {
		id := d.Str("id", "")
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		c := decodeConversation(id, d)
		convs = append(convs, c)

		if c.Kind == KindGroup {
			resolve = append(resolve, c.ParticipantIDs...)
		} else if other := c.OtherParticipant(userID); other != "" {
			resolve = append(resolve, other)
		}
	}

	profiles, err := s.profiles.Lookup(ctx, resolve)
	if err != nil {
		return nil, err
	}

	views := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		v := ConversationView{Conversation: c, Unread: c.UnreadFor(userID)}
		if c.Kind == KindGroup {
			v.Roster = make([]Profile, 0, len(c.ParticipantIDs))
			for _, pid := range c.ParticipantIDs {
				if p, ok := profiles[pid]; ok {
					v.Roster = append(v.Roster, p)
				}
			}
		} else if other := c.OtherParticipant(userID); other != "" {
			if p, ok := profiles[other]; ok {
				v.Other = &p
			}
		}
		views = append(views, v)
	}

	sort.Slice(views, func(i, j int) bool {
		a, b := views[i].Conversation, views[j].Conversation
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		return a.ID < b.ID
	})
	return views, nil
}

// ============================================================================
// Message stream
// ============================================================================

// MessageStream delivers a conversation's display-ready messages on every
// remote or local change: committed messages in sentAt order, then pending
// ones in enqueue order.
type MessageStream struct {
	svc            *SyncService
	sub            *Subscription
	conversationID string

	ch chan []MessageView

	// mu guards the committed snapshot and orders deliveries against
	// finish so a snapshot racing Close is dropped, never sent into a
	// closed channel.
	mu        sync.Mutex
	done      bool
	committed []Message
}

// Snapshots returns the delivery channel; closed when the stream ends.
func (st *MessageStream) Snapshots() <-chan []MessageView { return st.ch }

// Close unsubscribes. Idempotent; a snapshot racing Close is dropped.
// Closing the conversation's last stream discards its pending entries.
func (st *MessageStream) Close() {
	st.finish()
	st.sub.Close()

	st.svc.mu.Lock()
	last := false
	if set := st.svc.msgStreams[st.conversationID]; set != nil {
		if _, ok := set[st]; ok {
			delete(set, st)
			if len(set) == 0 {
				delete(st.svc.msgStreams, st.conversationID)
				last = true
			}
		}
	}
	st.svc.mu.Unlock()

	if last {
		st.svc.pending.drop(st.conversationID)
	}
}

// finish ends the snapshot channel. Idempotent; taking mu guarantees no
// deliver is mid-send when the channel closes.
func (st *MessageStream) finish() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}
	st.done = true
	close(st.ch)
}

func (st *MessageStream) deliver(views []MessageView) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}
	for {
		select {
		case st.ch <- views:
			return
		default:
		}
		select {
		case <-st.ch:
		default:
		}
	}
}

// emit rebuilds the merged view from the last committed snapshot plus the
// current pending set. Pending entries always follow committed ones and
// are never reordered ahead of them.
func (st *MessageStream) emit() {
	st.mu.Lock()
	committed := append([]Message(nil), st.committed...)
	st.mu.Unlock()

	userID := st.svc.session.UserID
	pending := st.svc.pending.snapshot(st.conversationID)

	views := make([]MessageView, 0, len(committed)+len(pending))
	for _, m := range committed {
		views = append(views, MessageView{Message: m, Mine: m.SenderID == userID})
	}
	for _, m := range pending {
		views = append(views, MessageView{Message: m, Mine: m.SenderID == userID})
	}
	st.deliver(views)
}

// OpenConversation subscribes to a conversation's messages. Committed
// messages arrive in non-decreasing sentAt order from the store; the
// stream preserves that order and appends locally pending sends at the
// tail until the matching committed message retires them.
func (s *SyncService) OpenConversation(ctx context.Context, conversationID string) (*MessageStream, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	if conversationID == "" {
		return nil, fmt.Errorf("%w: empty conversation id", ErrInvalidArgument)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStreamClosed
	}
	s.mu.Unlock()

	sub, err := s.store.Subscribe(ctx, CollMessages, Query{
		Field:   "conversationId",
		Op:      OpEqual,
		Value:   conversationID,
		OrderBy: "sentAt",
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe messages: %w", err)
	}

	st := &MessageStream{
		svc:            s,
		sub:            sub,
		conversationID: conversationID,
		ch:             make(chan []MessageView, 1),
	}
	s.mu.Lock()
	if s.msgStreams[conversationID] == nil {
		s.msgStreams[conversationID] = make(map[*MessageStream]struct{})
	}
	s.msgStreams[conversationID][st] = struct{}{}
	s.mu.Unlock()

	go s.runMessages(st)
	return st, nil
}

func (s *SyncService) runMessages(st *MessageStream) {
	for docs := range st.sub.Snapshots() {
		committed := make([]Message, 0, len(docs))
		seen := make(map[string]struct{}, len(docs))
		for _, d := range docs {
			id := d.Str("id", "")
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			committed = append(committed, decodeMessage(id, d))
		}
		sort.SliceStable(committed, func(i, j int) bool {
			if !committed[i].SentAt.Equal(committed[j].SentAt) {
				return committed[i].SentAt.Before(committed[j].SentAt)
			}
			return committed[i].ID < committed[j].ID
		})

		st.mu.Lock()
		st.committed = committed
		st.mu.Unlock()

		s.pending.reconcile(st.conversationID, committed, time.Now())
		st.emit()
	}
	st.Close()
}

// emitLocal re-emits every open stream of a conversation after a local
// pending-set change.
func (s *SyncService) emitLocal(conversationID string) {
	s.mu.Lock()
	streams := make([]*MessageStream, 0, len(s.msgStreams[conversationID]))
	for st := range s.msgStreams[conversationID] {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	for _, st := range streams {
		st.emit()
	}
}

// ============================================================================
// Mutations
// ============================================================================

// Send posts a message optimistically: the returned pending message shows
// up in open streams immediately, while the remote write (message create
// plus conversation lastMessage/unread update, one atomic batch) runs in
// the background. A rejected write flips the entry to StatusFailed; it
// stays visible for Retry.
func (s *SyncService) Send(ctx context.Context, conversationID, content string) (*Message, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	if conversationID == "" {
		return nil, fmt.Errorf("%w: empty conversation id", ErrInvalidArgument)
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty message content", ErrInvalidArgument)
	}

	msg := Message{
		LocalID:        uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       s.session.UserID,
		Content:        trimmed,
		SentAt:         time.Now(),
		Status:         StatusPending,
	}
	// Denormalize the sender identity at send time; a cache miss here is
	// not worth failing the send over.
	if self, err := s.profiles.Get(ctx, s.session.UserID); err == nil {
		msg.SenderDisplayName = self.DisplayName
		msg.SenderAvatarURL = self.AvatarURL
	} else {
		s.logger.Debug("sender profile unresolved", "error", err)
	}

	s.pending.add(&pendingMessage{msg: msg, enqueued: msg.SentAt})
	s.emitLocal(conversationID)

	go s.commitSend(msg)
	return &msg, nil
}

// Retry re-attempts the remote write of a failed pending message.
func (s *SyncService) Retry(ctx context.Context, conversationID, localID string) error {
	if err := s.requireSession(); err != nil {
		return err
	}
	msg, ok := s.pending.markRetrying(conversationID, localID)
	if !ok {
		return fmt.Errorf("%w: no failed message %s", ErrNotFound, localID)
	}
	s.emitLocal(conversationID)
	go s.commitSend(msg)
	return nil
}

// commitSend performs the batched remote write for one pending message.
// It runs detached from the caller so a slow network never blocks the UI
// path; failures surface through the pending entry's status.
func (s *SyncService) commitSend(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	fail := func(err error) {
		s.logger.Warn("send failed", "conversation", msg.ConversationID, "local_id", msg.LocalID, "error", err)
		if s.pending.markFailed(msg.ConversationID, msg.LocalID, err) {
			s.emitLocal(msg.ConversationID)
		}
	}

	convDoc, err := s.store.Get(ctx, CollConversations+"/"+msg.ConversationID)
	if err != nil {
		fail(err)
		return
	}
	conv := decodeConversation(msg.ConversationID, convDoc)

	fields := encodeMessage(msg)
	fields["sentAt"] = ServerTimestamp

	ops := []WriteOp{
		{
			Path:   CollMessages + "/" + uuid.NewString(),
			Fields: fields,
			Mode:   WriteSet,
		},
		{
			Path: CollConversations + "/" + msg.ConversationID,
			Fields: map[string]any{
				"lastMessage":         msg.Content,
				"lastMessageAt":       ServerTimestamp,
				"lastMessageSenderId": msg.SenderID,
			},
			Mode: WriteMerge,
		},
	}
	increments := map[string]any{}
	for _, pid := range conv.ParticipantIDs {
		if pid != msg.SenderID {
			increments["unreadCounts."+pid] = 1
		}
	}
	if len(increments) > 0 {
		ops = append(ops, WriteOp{
			Path:   CollConversations + "/" + msg.ConversationID,
			Fields: increments,
			Mode:   WriteIncrement,
		})
	}

	if err := s.store.Batch(ctx, ops); err != nil {
		fail(err)
		return
	}
	// The next message snapshot carries the committed twin and retires the
	// pending entry through reconciliation.
}

// MarkRead zeroes the current user's unread count for a conversation.
// Best-effort: remote failures are logged, not surfaced, and repeating the
// call is harmless.
func (s *SyncService) MarkRead(ctx context.Context, conversationID string) error {
	if err := s.requireSession(); err != nil {
		return err
	}
	if conversationID == "" {
		return fmt.Errorf("%w: empty conversation id", ErrInvalidArgument)
	}
	err := s.store.Write(ctx, CollConversations+"/"+conversationID, map[string]any{
		"unreadCounts." + s.session.UserID: 0,
	}, WriteMerge)
	if err != nil {
		s.logger.Warn("mark read failed", "conversation", conversationID, "error", err)
	}
	return nil
}

// OpenDirect returns the id of the direct conversation with another user,
// creating it when none exists. Two clients racing the creation can leave
// a transient duplicate; the backend offers no uniqueness constraint and
// this layer does not invent one.
func (s *SyncService) OpenDirect(ctx context.Context, otherUserID string) (string, error) {
	if err := s.requireSession(); err != nil {
		return "", err
	}
	if otherUserID == "" {
		return "", fmt.Errorf("%w: empty user id", ErrInvalidArgument)
	}
	if otherUserID == s.session.UserID {
		return "", fmt.Errorf("%w: cannot open a conversation with yourself", ErrInvalidArgument)
	}

	docs, err := s.store.Query(ctx, CollConversations, Query{
		Field: "participantIds",
		Op:    OpArrayContains,
		Value: s.session.UserID,
	})
	if err != nil {
		return "", fmt.Errorf("query conversations: %w", err)
	}

	var matches []string
	for _, d := range docs {
		id := d.Str("id", "")
		if id == "" {
			continue
		}
		c := decodeConversation(id, d)
		if c.Kind != KindDirect || len(c.ParticipantIDs) != 2 {
			continue
		}
		if c.OtherParticipant(s.session.UserID) == otherUserID {
			matches = append(matches, id)
		}
	}
	if len(matches) > 0 {
		// Deterministic pick when the creation race left duplicates.
		sort.Strings(matches)
		return matches[0], nil
	}

	id := uuid.NewString()
	conv := Conversation{
		ID:             id,
		Kind:           KindDirect,
		ParticipantIDs: []string{s.session.UserID, otherUserID},
		CreatedBy:      s.session.UserID,
		CreatedAt:      time.Now(),
		LastMessageAt:  time.Now(),
		UnreadCounts:   map[string]int{s.session.UserID: 0, otherUserID: 0},
	}
	if err := s.store.Write(ctx, CollConversations+"/"+id, encodeConversation(conv), WriteSet); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

// CreateGroup creates a group conversation with the current user as admin.
func (s *SyncService) CreateGroup(ctx context.Context, name, description, imageURL string, memberIDs []string) (string, error) {
	if err := s.requireSession(); err != nil {
		return "", err
	}
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: empty group name", ErrInvalidArgument)
	}
	if len(memberIDs) == 0 {
		return "", fmt.Errorf("%w: empty participant set", ErrInvalidArgument)
	}

	participants := []string{s.session.UserID}
	seen := map[string]struct{}{s.session.UserID: {}}
	for _, id := range memberIDs {
		if id == "" {
			return "", fmt.Errorf("%w: empty participant id", ErrInvalidArgument)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		participants = append(participants, id)
	}

	unread := make(map[string]int, len(participants))
	for _, id := range participants {
		unread[id] = 0
	}

	id := uuid.NewString()
	conv := Conversation{
		ID:             id,
		Kind:           KindGroup,
		ParticipantIDs: participants,
		CreatedBy:      s.session.UserID,
		CreatedAt:      time.Now(),
		LastMessageAt:  time.Now(),
		UnreadCounts:   unread,
		Group: &GroupInfo{
			Name:        strings.TrimSpace(name),
			ImageURL:    imageURL,
			Description: description,
			AdminID:     s.session.UserID,
		},
	}
	if err := s.store.Write(ctx, CollConversations+"/"+id, encodeConversation(conv), WriteSet); err != nil {
		return "", fmt.Errorf("create group: %w", err)
	}
	return id, nil
}

// AddGroupMember adds a participant to a group conversation. Membership is
// add-only; adding an existing member is a no-op.
func (s *SyncService) AddGroupMember(ctx context.Context, conversationID, userID string) error {
	if err := s.requireSession(); err != nil {
		return err
	}
	if conversationID == "" || userID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidArgument)
	}

	doc, err := s.store.Get(ctx, CollConversations+"/"+conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	conv := decodeConversation(conversationID, doc)
	if conv.Kind != KindGroup {
		return fmt.Errorf("%w: not a group conversation", ErrInvalidArgument)
	}
	for _, pid := range conv.ParticipantIDs {
		if pid == userID {
			return nil
		}
	}

	return s.store.Write(ctx, CollConversations+"/"+conversationID, map[string]any{
		"participantIds":         append(conv.ParticipantIDs, userID),
		"unreadCounts." + userID: 0,
	}, WriteMerge)
}
