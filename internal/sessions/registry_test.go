package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"go2tv.app/loopcast/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(clock *fakeClock) *Registry {
	return NewRegistry(Options{StallAfter: 30 * time.Second, Now: clock.Now})
}

func TestRegisterAndUnregisterServer(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := newTestRegistry(clock)

	a := r.Register("D1", "/videos/a.mp4", "10.0.0.2", 9000)
	b := r.Register("D1", "/videos/b.mp4", "10.0.0.2", 9000)
	c := r.Register("D2", "/videos/c.mp4", "10.0.0.2", 9001)

	if a.ID == b.ID {
		t.Fatal("expected unique session ids")
	}
	if a.Status != domain.SessionActive {
		t.Fatalf("expected active session, got %q", a.Status)
	}
	if got := len(r.ForDevice("D1")); got != 2 {
		t.Fatalf("expected 2 sessions for D1, got %d", got)
	}

	if removed := r.UnregisterServer("10.0.0.2", 9000); removed != 2 {
		t.Fatalf("expected 2 sessions removed, got %d", removed)
	}
	if _, ok := r.Get(a.ID); ok {
		t.Fatal("expected session a to be gone")
	}
	if _, ok := r.Get(c.ID); !ok {
		t.Fatal("expected session c to survive")
	}
	if !r.Unregister(c.ID) {
		t.Fatal("expected unregister to report existing session")
	}
	if r.Unregister(c.ID) {
		t.Fatal("expected second unregister to report missing session")
	}
}

func TestBytesAndConnectionEvents(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := newTestRegistry(clock)
	s := r.Register("D1", "/videos/a.mp4", "10.0.0.2", 9000)

	clock.Advance(time.Second)
	r.RecordConnection(s.ID, domain.EventConnect, true, "")
	r.AddBytes(s.ID, 1<<20)
	r.AddBytes(s.ID, 512)
	r.RecordConnection(s.ID, domain.EventDisconnect, false, "broken pipe")

	got, ok := r.Get(s.ID)
	if !ok {
		t.Fatal("session missing")
	}
	if got.BytesTransferred != 1<<20+512 {
		t.Fatalf("unexpected bytes %d", got.BytesTransferred)
	}
	if got.ConnectionErrors != 1 {
		t.Fatalf("expected 1 connection error, got %d", got.ConnectionErrors)
	}
	if len(got.ConnectionHistory) != 2 || got.ConnectionHistory[1].Detail != "broken pipe" {
		t.Fatalf("unexpected history %+v", got.ConnectionHistory)
	}
	if !got.LastActivityTime.Equal(clock.Now()) {
		t.Fatalf("expected activity timestamp to advance")
	}

	if r.AddBytes("missing", 10) {
		t.Fatal("expected AddBytes on unknown session to fail")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	r := newTestRegistry(clock)
	s := r.Register("D1", "/v.mp4", "10.0.0.2", 9000)
	for i := 0; i < maxHistory+25; i++ {
		r.RecordConnection(s.ID, domain.EventConnect, true, "")
	}
	got, _ := r.Get(s.ID)
	if len(got.ConnectionHistory) != maxHistory {
		t.Fatalf("expected history capped at %d, got %d", maxHistory, len(got.ConnectionHistory))
	}
}

func TestCheckHealthFlagsStalledSessionsOnce(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := newTestRegistry(clock)

	idle := r.Register("D1", "/a.mp4", "10.0.0.2", 9000)
	never := r.Register("D2", "/b.mp4", "10.0.0.2", 9001)
	done := r.Register("D3", "/c.mp4", "10.0.0.2", 9002)
	_ = never
	r.RecordConnection(idle.ID, domain.EventConnect, true, "")
	r.RecordConnection(done.ID, domain.EventConnect, true, "")
	r.Complete(done.ID)

	var mu sync.Mutex
	var seen []string
	r.SetStallHandler(func(_ context.Context, s domain.StreamingSession) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.ID)
	})

	clock.Advance(10 * time.Second)
	if stalled := r.CheckHealth(context.Background()); len(stalled) != 0 {
		t.Fatalf("expected no stalls before threshold, got %d", len(stalled))
	}

	clock.Advance(31 * time.Second)
	stalled := r.CheckHealth(context.Background())
	if len(stalled) != 1 || stalled[0].ID != idle.ID {
		t.Fatalf("expected only idle session stalled, got %+v", stalled)
	}
	if len(seen) != 1 || seen[0] != idle.ID {
		t.Fatalf("expected stall handler call for idle session, got %v", seen)
	}

	if again := r.CheckHealth(context.Background()); len(again) != 0 {
		t.Fatalf("expected stalled session not to be re-reported, got %d", len(again))
	}

	if !r.MarkRecovered(idle.ID) {
		t.Fatal("expected recovery to succeed")
	}
	got, _ := r.Get(idle.ID)
	if got.Status != domain.SessionActive {
		t.Fatalf("expected active after recovery, got %q", got.Status)
	}
	last := got.ConnectionHistory[len(got.ConnectionHistory)-1]
	if last.Kind != domain.EventReconnected || !last.Success {
		t.Fatalf("expected reconnected event, got %+v", last)
	}
}

func TestAddBytesClearsStall(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	r := newTestRegistry(clock)
	s := r.Register("D1", "/a.mp4", "10.0.0.2", 9000)
	r.RecordConnection(s.ID, domain.EventConnect, true, "")
	clock.Advance(time.Minute)
	r.CheckHealth(context.Background())

	r.AddBytes(s.ID, 100)
	got, _ := r.Get(s.ID)
	if got.Status != domain.SessionActive {
		t.Fatalf("expected traffic to reactivate session, got %q", got.Status)
	}
}
