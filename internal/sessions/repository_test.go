package sessions

import (
	"sync"
	"testing"
	"time"
)

func TestGetOrCreateCreatesOnFirstCall(t *testing.T) {
	r := New()
	s := r.GetOrCreate("abc")
	if s.ID != "abc" {
		t.Fatalf("expected session id abc, got %s", s.ID)
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Count())
	}
}

func TestGetOrCreateReturnsExisting(t *testing.T) {
	r := New()
	first := r.GetOrCreate("abc")
	first.AddMessage(Message{Role: "user", Content: "hi"})
	second := r.GetOrCreate("abc")
	if len(second.Messages) != 1 {
		t.Fatalf("expected existing session to be returned, got %d messages", len(second.Messages))
	}
}

func TestAddMessageTruncatesAtMaxMessages(t *testing.T) {
	r := New(WithMaxMessages(3))
	s := r.GetOrCreate("abc")
	for i := 0; i < 5; i++ {
		s.AddMessage(Message{Role: "user", Content: "msg"})
	}
	if len(s.Messages) != 3 {
		t.Fatalf("expected truncation to 3 messages, got %d", len(s.Messages))
	}
}

func TestGetHistoryIsDeepCopy(t *testing.T) {
	s := newSession("abc", 50)
	s.AddMessage(Message{Role: "user", Content: "hi", ToolCalls: []ToolCallRef{{ID: "1", Name: "grep", Args: map[string]any{"pattern": "x"}}}})

	history := s.GetHistory()
	history[0].ToolCalls[0].Args["pattern"] = "mutated"

	if s.Messages[0].ToolCalls[0].Args["pattern"] != "x" {
		t.Fatal("expected internal state unaffected by mutation of returned history")
	}
}

func TestDeleteRemovesSessionAndLock(t *testing.T) {
	r := New()
	r.GetOrCreate("abc")
	if !r.Delete("abc") {
		t.Fatal("expected Delete to report removal")
	}
	if r.Exists("abc") {
		t.Fatal("expected session gone")
	}
	if r.Delete("abc") {
		t.Fatal("expected second Delete to report no-op")
	}
}

func TestCleanupExpiredRemovesStaleSessions(t *testing.T) {
	r := New(WithTTL(10 * time.Millisecond))
	r.GetOrCreate("stale")
	time.Sleep(20 * time.Millisecond)
	r.GetOrCreate("fresh")

	removed := r.CleanupExpired()
	if removed != 1 {
		t.Fatalf("expected 1 session removed, got %d", removed)
	}
	if r.Exists("stale") {
		t.Fatal("expected stale session removed")
	}
	if !r.Exists("fresh") {
		t.Fatal("expected fresh session to survive")
	}
}

func TestCleanupExpiredWithInjectedClockIsDeterministic(t *testing.T) {
	clock := time.Now()
	r := New(WithTTL(time.Minute))
	r.SetNowFunc(func() time.Time { return clock })

	r.GetOrCreate("stale")
	clock = clock.Add(2 * time.Minute)
	r.GetOrCreate("fresh")

	if removed := r.CleanupExpired(); removed != 1 {
		t.Fatalf("expected 1 session removed, got %d", removed)
	}
	if r.Exists("stale") {
		t.Fatal("expected stale session removed")
	}
	if !r.Exists("fresh") {
		t.Fatal("expected fresh session to survive")
	}
}

func TestLockForTurnHoldsLockUntilUnlockCalled(t *testing.T) {
	r := New()
	session, unlock := r.LockForTurn("abc")
	session.AddMessage(Message{Role: "user", Content: "hi"})

	acquired := make(chan struct{})
	go func() {
		r.GetOrCreate("abc")
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("expected concurrent GetOrCreate to block while turn lock is held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	<-acquired
}

func TestConcurrentAccessToDistinctSessionsDoesNotBlock(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%20))
			s := r.GetOrCreate(id)
			s.AddMessage(Message{Role: "user", Content: "hi"})
		}(i)
	}
	wg.Wait()
	if r.Count() == 0 {
		t.Fatal("expected sessions to be created")
	}
}

func TestUpdateRequiresExistingSession(t *testing.T) {
	r := New()
	if r.Update("missing", newSession("missing", 50)) {
		t.Fatal("expected Update on missing session to report false")
	}
	r.GetOrCreate("abc")
	if !r.Update("abc", newSession("abc", 50)) {
		t.Fatal("expected Update on existing session to report true")
	}
}
