package storage

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)

	a := Agent{
		ID:          NewID("agt"),
		Name:        "support",
		OwnerUserID: "u1",
		UserIDs:     []string{"u1", "u2"},
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.InsertAgent(a); err != nil {
		t.Fatalf("InsertAgent: %v", err)
	}

	got, err := s.GetAgent(a.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Name != "support" || got.OwnerUserID != "u1" {
		t.Errorf("got %+v", got)
	}
	if len(got.UserIDs) != 2 {
		t.Errorf("UserIDs = %v, want 2 entries", got.UserIDs)
	}

	if _, err := s.GetAgent("agt_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing agent: got %v, want ErrNotFound", err)
	}

	if err := s.DeleteAgent(a.ID); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := s.GetAgent(a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: got %v, want ErrNotFound", err)
	}
	// Deleting again converges.
	if err := s.DeleteAgent(a.ID); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestInsertAgentDuplicateName(t *testing.T) {
	s := newTestStore(t)

	first := Agent{ID: NewID("agt"), Name: "helper", OwnerUserID: "u1", CreatedAt: time.Now().UTC()}
	if err := s.InsertAgent(first); err != nil {
		t.Fatalf("InsertAgent: %v", err)
	}

	dup := Agent{ID: NewID("agt"), Name: "helper", OwnerUserID: "u1", CreatedAt: time.Now().UTC()}
	if err := s.InsertAgent(dup); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate name same owner: got %v, want ErrConflict", err)
	}

	// Same name under a different owner is fine.
	other := Agent{ID: NewID("agt"), Name: "helper", OwnerUserID: "u2", CreatedAt: time.Now().UTC()}
	if err := s.InsertAgent(other); err != nil {
		t.Errorf("same name different owner: %v", err)
	}
}

func TestListAgents(t *testing.T) {
	s := newTestStore(t)

	public := Agent{ID: NewID("agt"), Name: "open", OwnerUserID: "u1", CreatedAt: time.Now().UTC()}
	restricted := Agent{ID: NewID("agt"), Name: "closed", OwnerUserID: "u1", UserIDs: []string{"u1", "u2"}, CreatedAt: time.Now().UTC()}
	for _, a := range []Agent{public, restricted} {
		if err := s.InsertAgent(a); err != nil {
			t.Fatalf("InsertAgent: %v", err)
		}
	}

	owned, err := s.ListAgentsForOwner("u1")
	if err != nil {
		t.Fatalf("ListAgentsForOwner: %v", err)
	}
	if len(owned) != 2 {
		t.Errorf("owner list: got %d agents, want 2", len(owned))
	}

	// u2 is in the restricted list and every public agent is visible.
	member, err := s.ListAgentsForMember("u2")
	if err != nil {
		t.Fatalf("ListAgentsForMember: %v", err)
	}
	if len(member) != 2 {
		t.Errorf("member list for u2: got %d, want 2", len(member))
	}

	// u3 sees only the public agent.
	outsider, err := s.ListAgentsForMember("u3")
	if err != nil {
		t.Fatalf("ListAgentsForMember: %v", err)
	}
	if len(outsider) != 1 || outsider[0].Name != "open" {
		t.Errorf("member list for u3 = %+v, want only the public agent", outsider)
	}
}

func TestThreads(t *testing.T) {
	s := newTestStore(t)

	th := Thread{ID: NewID("thd"), Name: "first", OwnerUserID: "u1", AgentID: "agt_1", CreatedAt: time.Now().UTC()}
	if err := s.InsertThread(th); err != nil {
		t.Fatalf("InsertThread: %v", err)
	}

	dup := Thread{ID: NewID("thd"), Name: "first", OwnerUserID: "u1", AgentID: "agt_2", CreatedAt: time.Now().UTC()}
	if err := s.InsertThread(dup); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate thread name: got %v, want ErrConflict", err)
	}

	second := Thread{ID: NewID("thd"), Name: "second", OwnerUserID: "u1", AgentID: "agt_1", CreatedAt: time.Now().UTC()}
	if err := s.InsertThread(second); err != nil {
		t.Fatalf("InsertThread: %v", err)
	}

	byAgent, err := s.ListThreadsForAgent("agt_1")
	if err != nil {
		t.Fatalf("ListThreadsForAgent: %v", err)
	}
	if len(byAgent) != 2 {
		t.Errorf("ListThreadsForAgent: got %d, want 2", len(byAgent))
	}

	deleted, err := s.DeleteThreadsForAgent("agt_1")
	if err != nil {
		t.Fatalf("DeleteThreadsForAgent: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	// Zero rows on retry is success.
	if again, err := s.DeleteThreadsForAgent("agt_1"); err != nil || again != 0 {
		t.Errorf("retry delete: got (%d, %v), want (0, nil)", again, err)
	}
}

func TestRecentMessagesTokenBudget(t *testing.T) {
	s := newTestStore(t)

	// Each message is ~6 words -> 8 estimated tokens.
	for i := 0; i < 10; i++ {
		msg := ChatMessage{
			ThreadID: "thd_1",
			Role:     "user",
			Content:  strings.Repeat("word ", 6),
		}
		if err := s.AppendMessage(msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	// Budget for roughly three messages.
	window, err := s.RecentMessages("thd_1", 24)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(window) != 3 {
		t.Errorf("window size = %d, want 3", len(window))
	}

	// A tiny budget still yields the newest message.
	one, err := s.RecentMessages("thd_1", 1)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(one) != 1 {
		t.Errorf("window size = %d, want 1", len(one))
	}

	count, err := s.CountMessages("thd_1")
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if count != 10 {
		t.Errorf("count = %d, want 10", count)
	}

	if err := s.DeleteMessages("thd_1"); err != nil {
		t.Fatalf("DeleteMessages: %v", err)
	}
	if count, _ := s.CountMessages("thd_1"); count != 0 {
		t.Errorf("count after delete = %d, want 0", count)
	}
}

func TestRecentMessagesOrder(t *testing.T) {
	s := newTestStore(t)

	for _, content := range []string{"first", "second", "third"} {
		if err := s.AppendMessage(ChatMessage{ThreadID: "thd_1", Role: "user", Content: content}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	window, err := s.RecentMessages("thd_1", 1000)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(window) != 3 {
		t.Fatalf("window size = %d, want 3", len(window))
	}
	if window[0].Content != "first" || window[2].Content != "third" {
		t.Errorf("window not oldest-first: %v, %v, %v", window[0].Content, window[1].Content, window[2].Content)
	}
}
