package session

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

// newTestStore connects to a local Redis instance. Tests that call this
// helper require a running Redis on localhost:6379 and are skipped
// otherwise.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("localhost:6379", "test-server")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sid := uuid.New().String()

	if err := s.Create(ctx, sid, "user-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { s.Delete(ctx, sid) })

	sess, err := s.Get(ctx, sid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess == nil {
		t.Fatal("session not found after create")
	}
	if sess.UserID != "user-1" {
		t.Errorf("user_id = %q, want user-1", sess.UserID)
	}
	if sess.Server != "test-server" {
		t.Errorf("server = %q, want test-server", sess.Server)
	}
	if sess.OpenConversation != "" {
		t.Errorf("new session has open conversation %q", sess.OpenConversation)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.Get(context.Background(), uuid.New().String())
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if sess != nil {
		t.Errorf("expected nil for missing session, got %+v", sess)
	}
}

func TestOpenConversationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sid := uuid.New().String()

	if err := s.Create(ctx, sid, "user-1"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Delete(ctx, sid) })

	if err := s.SetOpenConversation(ctx, sid, "conv-9"); err != nil {
		t.Fatalf("set open conversation: %v", err)
	}
	sess, err := s.Get(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if sess.OpenConversation != "conv-9" {
		t.Errorf("open_conversation = %q, want conv-9", sess.OpenConversation)
	}

	if err := s.ClearOpenConversation(ctx, sid); err != nil {
		t.Fatalf("clear open conversation: %v", err)
	}
	sess, err = s.Get(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if sess.OpenConversation != "" {
		t.Errorf("open_conversation = %q after clear, want empty", sess.OpenConversation)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sid := uuid.New().String()

	if err := s.Create(ctx, sid, "user-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, sid); err != nil {
		t.Fatalf("delete: %v", err)
	}

	sess, err := s.Get(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if sess != nil {
		t.Error("session survived delete")
	}
}
