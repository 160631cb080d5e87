//go:build integration

package runova_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	runova "github.com/tenesedu/runova-sub000"
)

// These tests run against a live backend:
//
//	RUNOVA_TOKEN_TEST=...   (required) session token for the test account
//	RUNOVA_BASE_URL_TEST=...  optional, defaults to production
//	RUNOVA_PEER_ID_TEST=...   optional, user id for conversation flows
//
//	go test -tags integration ./...

// helpers ---------------------------------------------------------------

func testToken(t *testing.T) string {
	t.Helper()
	token := os.Getenv("RUNOVA_TOKEN_TEST")
	if token == "" {
		t.Fatal("RUNOVA_TOKEN_TEST environment variable is required")
	}
	return token
}

func testBaseURL() string {
	return os.Getenv("RUNOVA_BASE_URL_TEST")
}

func peerID(t *testing.T) string {
	t.Helper()
	peer := os.Getenv("RUNOVA_PEER_ID_TEST")
	if peer == "" {
		t.Skip("RUNOVA_PEER_ID_TEST not set")
	}
	return peer
}

func newLiveClient(t *testing.T) *runova.Client {
	t.Helper()
	var opts []runova.ClientOption
	if base := testBaseURL(); base != "" {
		opts = append(opts, runova.WithBaseURL(base))
	}
	c := runova.NewClient(testToken(t), opts...)
	t.Cleanup(c.Close)
	return c
}

func newLiveService(t *testing.T) (*runova.Session, *runova.SyncService) {
	t.Helper()
	sess, err := runova.NewSession(testToken(t))
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	client := newLiveClient(t)
	svc := runova.NewSyncService(client, runova.NewProfileCache(client), sess)
	t.Cleanup(svc.Close)
	return sess, svc
}

func uniqueContent(prefix string) string {
	return fmt.Sprintf("%s %d", prefix, time.Now().UnixNano())
}

// =======================================================================
// Group 1: Session and store client
// =======================================================================

func TestIntegrationSession(t *testing.T) {
	sess, err := runova.NewSession(testToken(t))
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if !sess.Valid() {
		t.Fatalf("token should back a valid session, expires %v", sess.ExpiresAt)
	}
	t.Logf("user: %s, expires: %v", sess.UserID, sess.ExpiresAt)
}

func TestIntegrationOwnProfile(t *testing.T) {
	sess, err := runova.NewSession(testToken(t))
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	client := newLiveClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	doc, err := client.Get(ctx, runova.CollProfiles+"/"+sess.UserID)
	if err != nil {
		t.Fatalf("get own profile: %v", err)
	}
	if doc.Str("id", "") != sess.UserID {
		t.Fatalf("profile doc = %v", doc)
	}

	cache := runova.NewProfileCache(client)
	p, err := cache.Get(ctx, sess.UserID)
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	t.Logf("display name: %s", p.DisplayName)
}

// =======================================================================
// Group 2: Live streams
// =======================================================================

func TestIntegrationConversationList(t *testing.T) {
	_, svc := newLiveService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream, err := svc.ConversationList(ctx)
	if err != nil {
		t.Fatalf("conversation list: %v", err)
	}
	defer stream.Close()

	select {
	case views, ok := <-stream.Snapshots():
		if !ok {
			t.Fatal("stream closed before the first snapshot")
		}
		t.Logf("%d conversations", len(views))
		seen := make(map[string]bool, len(views))
		for _, v := range views {
			if seen[v.Conversation.ID] {
				t.Fatalf("duplicate conversation %s in one snapshot", v.Conversation.ID)
			}
			seen[v.Conversation.ID] = true
		}
	case <-ctx.Done():
		t.Fatal("no conversation snapshot within 30s")
	}
}

func TestIntegrationDirectMessageFlow(t *testing.T) {
	peer := peerID(t)
	sess, svc := newLiveService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	convID, err := svc.OpenDirect(ctx, peer)
	if err != nil {
		t.Fatalf("open direct: %v", err)
	}
	again, err := svc.OpenDirect(ctx, peer)
	if err != nil {
		t.Fatalf("open direct again: %v", err)
	}
	if again != convID {
		t.Fatalf("duplicate direct conversation: %s vs %s", again, convID)
	}

	stream, err := svc.OpenConversation(ctx, convID)
	if err != nil {
		t.Fatalf("open conversation: %v", err)
	}
	defer stream.Close()

	content := uniqueContent("integration ping")
	msg, err := svc.Send(ctx, convID, content)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Wait for the commit: our pending entry retires and exactly one
	// committed copy of the content remains.
	for {
		select {
		case views, ok := <-stream.Snapshots():
			if !ok {
				t.Fatal("stream closed before the send settled")
			}
			pending := false
			copies := 0
			for _, v := range views {
				if v.Message.LocalID == msg.LocalID {
					pending = true
				}
				if v.Message.Content == content && v.Message.Status == runova.StatusCommitted {
					copies++
				}
			}
			if pending {
				continue
			}
			if copies != 1 {
				t.Fatalf("want exactly one committed copy, got %d", copies)
			}
			if err := svc.MarkRead(ctx, convID); err != nil {
				t.Fatalf("mark read: %v", err)
			}
			client := newLiveClient(t)
			doc, err := client.Get(ctx, runova.CollConversations+"/"+convID)
			if err != nil {
				t.Fatalf("get conversation: %v", err)
			}
			if got := doc.IntMap("unreadCounts")[sess.UserID]; got != 0 {
				t.Fatalf("own unread after mark read = %d", got)
			}
			return
		case <-ctx.Done():
			t.Fatal("send did not settle within 60s")
		}
	}
}
