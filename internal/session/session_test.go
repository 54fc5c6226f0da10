package session

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"brain/internal/document"
	"brain/internal/store"
)

func testManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "brain.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewManager(st, ttl)
}

func TestCreateAndGet(t *testing.T) {
	m := testManager(t, time.Hour)
	id, err := m.Create(document.Map(nil))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Fatal("empty session id")
	}

	sess, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess == nil {
		t.Fatal("session not found after create")
	}
	if !sess.IsActive {
		t.Error("session not active")
	}
	if sess.UserID == "" {
		t.Error("empty user id")
	}
	if sess.ExpiresAt <= sess.StartedAt {
		t.Errorf("expires_at %q not after started_at %q", sess.ExpiresAt, sess.StartedAt)
	}
}

func TestGetMissingIsNil(t *testing.T) {
	m := testManager(t, time.Hour)
	sess, err := m.Get("no-such-id")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess != nil {
		t.Errorf("sess = %+v, want nil", sess)
	}
}

func TestUpdateReplacesData(t *testing.T) {
	m := testManager(t, time.Hour)
	id, err := m.Create(document.Map(nil))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first := document.Map(map[string]document.Value{
		"topic": document.String("go"),
		"step":  document.Number(1),
	})
	if err := m.Update(id, first); err != nil {
		t.Fatalf("first Update: %v", err)
	}
	// Full replacement: keys absent from the second write disappear.
	second := document.Map(map[string]document.Value{
		"step": document.Number(2),
	})
	if err := m.Update(id, second); err != nil {
		t.Fatalf("second Update: %v", err)
	}

	sess, err := m.Get(id)
	if err != nil || sess == nil {
		t.Fatalf("Get: sess=%v err=%v", sess, err)
	}
	if !sess.Data.Field("topic").IsNull() {
		t.Error("stale key survived full replacement")
	}
	if sess.Data.Field("step").AsNumber() != 2 {
		t.Errorf("step = %v, want 2", sess.Data.Field("step").AsNumber())
	}
}

func TestUpdateInactiveFails(t *testing.T) {
	m := testManager(t, time.Hour)
	id, err := m.Create(document.Map(nil))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Terminate(id, "test over"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	err = m.Update(id, document.Map(nil))
	if !errors.Is(err, ErrNotActive) {
		t.Errorf("error = %v, want ErrNotActive", err)
	}
}

func TestExpiredSessionUnreachable(t *testing.T) {
	m := testManager(t, time.Hour)
	id, err := m.Create(document.Map(nil))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Force expiry in the past; a fresh TTL clock would take too long.
	if _, err := m.store.DB().Exec(
		"UPDATE sessions SET expires_at = datetime('now', '-1 minute') WHERE id = ?", id); err != nil {
		t.Fatalf("expire: %v", err)
	}

	sess, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess != nil {
		t.Error("expired session still reachable")
	}
	if err := m.Update(id, document.Map(nil)); !errors.Is(err, ErrNotActive) {
		t.Errorf("Update error = %v, want ErrNotActive", err)
	}
}

func TestCleanupReapsExpired(t *testing.T) {
	m := testManager(t, time.Hour)
	stale, err := m.Create(document.Map(nil))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fresh, err := m.Create(document.Map(nil))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.store.DB().Exec(
		"UPDATE sessions SET expires_at = datetime('now', '-1 minute') WHERE id = ?", stale); err != nil {
		t.Fatalf("expire: %v", err)
	}

	count, err := m.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if count != 1 {
		t.Errorf("reaped = %d, want 1", count)
	}

	// Idempotent: a second pass reaps nothing.
	count, err = m.Cleanup()
	if err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	if count != 0 {
		t.Errorf("second reap = %d, want 0", count)
	}

	if sess, _ := m.Get(fresh); sess == nil {
		t.Error("fresh session reaped")
	}

	var reason string
	if err := m.store.DB().QueryRow(
		"SELECT terminated_reason FROM sessions WHERE id = ?", stale).Scan(&reason); err != nil {
		t.Fatalf("reason: %v", err)
	}
	if reason != "expired" {
		t.Errorf("reason = %q, want expired", reason)
	}
}

func TestEventLogIsAppendOnlyAndOrdered(t *testing.T) {
	m := testManager(t, time.Hour)
	id, err := m.Create(document.Map(nil))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Update(id, document.Map(map[string]document.Value{"a": document.Number(1)})); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := m.Terminate(id, "done"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	events, err := m.Events(id)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	want := []string{EventCreated, EventUpdated, EventTerminated}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestRecordActivityCounters(t *testing.T) {
	m := testManager(t, time.Hour)
	id, err := m.Create(document.Map(nil))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.RecordActivity(id, "interaction")
	m.RecordActivity(id, "memory")
	m.RecordActivity(id, "memory")
	m.RecordActivity(id, "execution")
	m.RecordActivity(id, "bogus") // ignored

	sess, err := m.Get(id)
	if err != nil || sess == nil {
		t.Fatalf("Get: sess=%v err=%v", sess, err)
	}
	if sess.InteractionCount != 1 || sess.MemoryOps != 2 || sess.ExecutionOps != 1 {
		t.Errorf("counters = %d/%d/%d, want 1/2/1",
			sess.InteractionCount, sess.MemoryOps, sess.ExecutionOps)
	}
}

func TestPeekServesCache(t *testing.T) {
	m := testManager(t, time.Hour)
	id, err := m.Create(document.Map(nil))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if m.Peek(id) != nil {
		t.Error("Peek hit before any Get")
	}
	if _, err := m.Get(id); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.Peek(id) == nil {
		t.Error("Peek miss after Get")
	}
	if err := m.Terminate(id, "bye"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if m.Peek(id) != nil {
		t.Error("Peek hit after Terminate invalidation")
	}
}

func TestActiveCount(t *testing.T) {
	m := testManager(t, time.Hour)
	for i := 0; i < 3; i++ {
		if _, err := m.Create(document.Map(nil)); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	n, err := m.ActiveCount()
	if err != nil {
		t.Fatalf("ActiveCount: %v", err)
	}
	if n != 3 {
		t.Errorf("active = %d, want 3", n)
	}
}
