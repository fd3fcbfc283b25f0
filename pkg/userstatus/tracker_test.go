package userstatus

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock is a hand-advanced clock for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func TestTracker_LoginRecordsStatusAndSession(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(clock)

	tr.Open("c1", "10.0.0.1", "test-agent")
	if err := tr.Authenticate("c1", "alice", time.Time{}); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	st := tr.Status("alice")
	if !st.Online {
		t.Error("Expected online=true after login")
	}
	if st.Idle {
		t.Error("Expected idle=false after login")
	}
	if st.LastActivity != nil {
		t.Error("Expected lastActivity to be absent after login")
	}
	if st.LastLogin == nil {
		t.Fatal("Expected lastLogin to be set after login")
	}
	if !st.LastLogin.Date.Equal(clock.Now()) {
		t.Errorf("Expected lastLogin date %v, got %v", clock.Now(), st.LastLogin.Date)
	}
	if st.LastLogin.IPAddr != "10.0.0.1" || st.LastLogin.UserAgent != "test-agent" {
		t.Errorf("Unexpected lastLogin client info: %+v", st.LastLogin)
	}

	sessions := tr.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(sessions))
	}
	s := sessions[0]
	if s.UserID != "alice" || s.IPAddr != "10.0.0.1" || s.UserAgent != "test-agent" {
		t.Errorf("Unexpected session record: %+v", s)
	}
	if !s.LoginTime.Equal(clock.Now()) {
		t.Errorf("Expected loginTime %v, got %v", clock.Now(), s.LoginTime)
	}
	if s.Idle || !s.LastActivity.IsZero() {
		t.Errorf("Expected fresh session to be active with no activity timestamp: %+v", s)
	}
}

func TestTracker_UnknownSession(t *testing.T) {
	tr := NewTracker(newFakeClock())

	if err := tr.Authenticate("nope", "alice", time.Time{}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Authenticate: expected ErrUnknownSession, got %v", err)
	}
	if err := tr.ReportIdle("nope", time.Time{}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("ReportIdle: expected ErrUnknownSession, got %v", err)
	}
	if err := tr.ReportActive("nope", time.Time{}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("ReportActive: expected ErrUnknownSession, got %v", err)
	}
	if err := tr.Logout("nope"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Logout: expected ErrUnknownSession, got %v", err)
	}
}

func TestTracker_IdleThenActive(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(clock)
	tr.Open("c1", "10.0.0.1", "agent")
	tr.Authenticate("c1", "alice", time.Time{})

	idleAt := clock.Advance(5 * time.Minute)
	if err := tr.ReportIdle("c1", idleAt); err != nil {
		t.Fatalf("ReportIdle failed: %v", err)
	}
	st := tr.Status("alice")
	if !st.Online || !st.Idle {
		t.Errorf("Expected online+idle, got %+v", st)
	}
	if st.LastActivity == nil || !st.LastActivity.Equal(idleAt) {
		t.Errorf("Expected lastActivity %v, got %v", idleAt, st.LastActivity)
	}
	login := st.LastLogin

	if err := tr.ReportActive("c1", clock.Advance(time.Minute)); err != nil {
		t.Fatalf("ReportActive failed: %v", err)
	}
	st = tr.Status("alice")
	if !st.Online || st.Idle {
		t.Errorf("Expected online+active, got %+v", st)
	}
	if st.LastActivity != nil {
		t.Errorf("Expected lastActivity cleared, got %v", st.LastActivity)
	}
	if st.LastLogin == nil || !st.LastLogin.Date.Equal(login.Date) {
		t.Error("Expected lastLogin unchanged by idle/active reports")
	}
}

func TestTracker_ServerTimeFallback(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(clock)
	tr.Open("c1", "10.0.0.1", "agent")
	tr.Authenticate("c1", "alice", time.Time{})

	clock.Advance(30 * time.Second)
	if err := tr.ReportIdle("c1", time.Time{}); err != nil {
		t.Fatalf("ReportIdle failed: %v", err)
	}
	st := tr.Status("alice")
	if st.LastActivity == nil || !st.LastActivity.Equal(clock.Now()) {
		t.Errorf("Expected lastActivity = server time %v, got %v", clock.Now(), st.LastActivity)
	}
}

func TestTracker_DisconnectLastSession(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(clock)
	tr.Open("c1", "10.0.0.1", "agent")
	tr.Authenticate("c1", "alice", time.Time{})
	tr.ReportIdle("c1", time.Time{})

	tr.Close("c1")
	st := tr.Status("alice")
	if st.Online {
		t.Error("Expected online=false after last disconnect")
	}
	if st.Idle {
		t.Error("Expected idle=false after last disconnect")
	}
	if st.LastActivity != nil {
		t.Error("Expected lastActivity cleared after last disconnect")
	}
	if st.LastLogin == nil {
		t.Error("Expected lastLogin preserved after disconnect")
	}
	if len(tr.Sessions()) != 0 {
		t.Error("Expected no sessions after close")
	}

	// Second close is a no-op, not an error.
	tr.Close("c1")
	if got := tr.Status("alice"); got.Online {
		t.Error("Status changed after duplicate close")
	}
}

func TestTracker_LogoutKeepsConnection(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(clock)
	tr.Open("c1", "10.0.0.1", "agent")
	tr.Authenticate("c1", "alice", time.Time{})
	tr.ReportIdle("c1", time.Time{})

	if err := tr.Logout("c1"); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	st := tr.Status("alice")
	if st.Online || st.Idle || st.LastActivity != nil {
		t.Errorf("Expected offline aggregate after logout, got %+v", st)
	}
	if st.LastLogin == nil {
		t.Error("Expected lastLogin preserved after logout")
	}

	sessions := tr.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("Expected connection record to survive logout, got %d sessions", len(sessions))
	}
	s := sessions[0]
	if s.UserID != "" || !s.LoginTime.IsZero() || s.Idle || !s.LastActivity.IsZero() {
		t.Errorf("Expected login state cleared on session record, got %+v", s)
	}
	if s.IPAddr != "10.0.0.1" {
		t.Error("Expected client address retained on session record")
	}
}

func TestTracker_MultiSessionAggregation(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(clock)
	tr.Open("c1", "10.0.0.1", "agent")
	tr.Open("c2", "10.0.0.2", "agent")
	tr.Authenticate("c1", "alice", time.Time{})
	tr.Authenticate("c2", "alice", time.Time{})

	t1 := clock.Advance(time.Minute)
	tr.ReportIdle("c1", t1)
	if st := tr.Status("alice"); st.Idle {
		t.Error("Expected idle=false while one session is still active")
	}

	t2 := clock.Advance(time.Minute)
	tr.ReportIdle("c2", t2)
	st := tr.Status("alice")
	if !st.Idle {
		t.Error("Expected idle=true once every session is idle")
	}
	if st.LastActivity == nil || !st.LastActivity.Equal(t2) {
		t.Errorf("Expected lastActivity = latest idle report %v, got %v", t2, st.LastActivity)
	}

	// One active report flips the aggregate regardless of the other session.
	tr.ReportActive("c1", time.Time{})
	st = tr.Status("alice")
	if st.Idle || st.LastActivity != nil {
		t.Errorf("Expected active aggregate after one active report, got %+v", st)
	}
}

func TestTracker_IdleTieBreakExcludesActiveSessions(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(clock)
	tr.Open("c1", "10.0.0.1", "agent")
	tr.Open("c2", "10.0.0.2", "agent")
	tr.Authenticate("c1", "alice", time.Time{})
	tr.Authenticate("c2", "alice", time.Time{})

	tLate := clock.Advance(10 * time.Minute)
	tr.ReportIdle("c1", tLate)
	tEarly := tLate.Add(-5 * time.Minute)
	tr.ReportIdle("c2", tEarly)

	if st := tr.Status("alice"); st.LastActivity == nil || !st.LastActivity.Equal(tLate) {
		t.Fatalf("Expected lastActivity %v, got %v", tLate, st.LastActivity)
	}

	// c1 wakes up and goes idle again with an older timestamp than its first
	// report; only timestamps of currently-idle sessions count.
	tr.ReportActive("c1", time.Time{})
	tMid := tLate.Add(-2 * time.Minute)
	tr.ReportIdle("c1", tMid)

	st := tr.Status("alice")
	if !st.Idle {
		t.Fatal("Expected idle aggregate")
	}
	if st.LastActivity == nil || !st.LastActivity.Equal(tMid) {
		t.Errorf("Expected lastActivity %v (latest among idle sessions), got %v", tMid, st.LastActivity)
	}
}

func TestTracker_ChangeEventsSuppressDuplicates(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(clock)

	var mu sync.Mutex
	var events []UserStatus
	cancel := tr.Subscribe(func(st UserStatus) {
		mu.Lock()
		events = append(events, st)
		mu.Unlock()
	})
	defer cancel()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(events)
	}

	tr.Open("c1", "10.0.0.1", "agent")
	if count() != 0 {
		t.Errorf("Expected no event on anonymous open, got %d", count())
	}

	tr.Authenticate("c1", "alice", time.Time{})
	if count() != 1 {
		t.Fatalf("Expected 1 event after login, got %d", count())
	}

	idleAt := clock.Advance(time.Minute)
	tr.ReportIdle("c1", idleAt)
	if count() != 2 {
		t.Fatalf("Expected 2 events after idle report, got %d", count())
	}

	// Same report again: recomputation yields an identical aggregate.
	tr.ReportIdle("c1", idleAt)
	if count() != 2 {
		t.Errorf("Expected no event for duplicate idle report, got %d", count())
	}

	// A fresher idle timestamp does change the aggregate.
	tr.ReportIdle("c1", clock.Advance(time.Minute))
	if count() != 3 {
		t.Errorf("Expected event for new idle timestamp, got %d", count())
	}

	tr.ReportActive("c1", time.Time{})
	tr.ReportActive("c1", time.Time{})
	if count() != 4 {
		t.Errorf("Expected single event for repeated active reports, got %d", count())
	}

	tr.Close("c1")
	if count() != 5 {
		t.Errorf("Expected event on disconnect, got %d", count())
	}

	mu.Lock()
	last := events[len(events)-1]
	mu.Unlock()
	if last.Online || last.LastLogin == nil {
		t.Errorf("Unexpected final event: %+v", last)
	}
}

func TestTracker_IdentitySwitch(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(clock)
	tr.Open("c1", "10.0.0.1", "agent")
	tr.Authenticate("c1", "alice", time.Time{})
	tr.Authenticate("c1", "bob", clock.Advance(time.Minute))

	if st := tr.Status("alice"); st.Online {
		t.Error("Expected alice offline after the session switched identity")
	}
	if st := tr.Status("bob"); !st.Online {
		t.Error("Expected bob online after the session switched identity")
	}
	if n := tr.OnlineCount(); n != 1 {
		t.Errorf("Expected 1 online user, got %d", n)
	}
}

func TestTracker_AnonymousReportsIgnored(t *testing.T) {
	tr := NewTracker(newFakeClock())
	tr.Open("c1", "10.0.0.1", "agent")

	if err := tr.ReportIdle("c1", time.Time{}); err != nil {
		t.Errorf("Expected idle report on anonymous session to succeed, got %v", err)
	}
	if err := tr.ReportActive("c1", time.Time{}); err != nil {
		t.Errorf("Expected active report on anonymous session to succeed, got %v", err)
	}
	if got := tr.Statuses(); len(got) != 0 {
		t.Errorf("Expected no tracked statuses, got %d", len(got))
	}
}

func TestTracker_OfflineDefault(t *testing.T) {
	tr := NewTracker(newFakeClock())
	st := tr.Status("ghost")
	if st.UserID != "ghost" || st.Online || st.Idle || st.LastLogin != nil || st.LastActivity != nil {
		t.Errorf("Unexpected default status: %+v", st)
	}
}

func TestTracker_StatusesSnapshot(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(clock)
	tr.Open("c1", "10.0.0.1", "agent")
	tr.Open("c2", "10.0.0.2", "agent")
	tr.Authenticate("c1", "bob", time.Time{})
	tr.Authenticate("c2", "alice", time.Time{})
	tr.Close("c2")

	statuses := tr.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("Expected 2 tracked users (one offline), got %d", len(statuses))
	}
	if statuses[0].UserID != "alice" || statuses[1].UserID != "bob" {
		t.Errorf("Expected sorted user ids, got %s, %s", statuses[0].UserID, statuses[1].UserID)
	}
	if statuses[0].Online {
		t.Error("Expected alice offline")
	}
	if statuses[0].LastLogin == nil {
		t.Error("Expected alice to keep lastLogin while offline")
	}
	if !statuses[1].Online {
		t.Error("Expected bob online")
	}
}

func TestTracker_SingleSessionInvariant(t *testing.T) {
	tests := []struct {
		name     string
		idle     bool
		wantIdle bool
	}{
		{"active session", false, false},
		{"idle session", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			tr := NewTracker(clock)
			tr.Open("c1", "10.0.0.1", "agent")
			tr.Authenticate("c1", "alice", time.Time{})
			if tt.idle {
				tr.ReportIdle("c1", time.Time{})
			}
			st := tr.Status("alice")
			if !st.Online {
				t.Error("Expected online=true with one open session")
			}
			if st.Idle != tt.wantIdle {
				t.Errorf("Expected idle=%v, got %v", tt.wantIdle, st.Idle)
			}
		})
	}
}

func TestTracker_ChangeEventOrderWithSlowSubscriber(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(clock)
	tr.Open("c1", "10.0.0.1", "agent")
	tr.Authenticate("c1", "alice", time.Time{})

	var mu sync.Mutex
	var events []UserStatus
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	cancel := tr.Subscribe(func(st UserStatus) {
		// Stall the first delivery so a concurrent mutation lands while
		// this event is still in flight.
		once.Do(func() {
			close(entered)
			<-release
		})
		mu.Lock()
		events = append(events, st)
		mu.Unlock()
	})
	defer cancel()

	done := make(chan struct{})
	go func() {
		tr.ReportIdle("c1", clock.Now())
		close(done)
	}()
	<-entered

	// The idle event is mid-delivery; this mutation must not overtake it.
	if err := tr.ReportActive("c1", time.Time{}); err != nil {
		t.Fatalf("ReportActive failed: %v", err)
	}
	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d: %+v", len(events), events)
	}
	if !events[0].Idle {
		t.Error("Expected the idle event delivered first")
	}
	if events[1].Idle {
		t.Error("Expected the active event delivered second")
	}
	if final := tr.Status("alice"); events[1].Idle != final.Idle {
		t.Errorf("Expected last delivered event to match current status: event idle=%v, status idle=%v",
			events[1].Idle, final.Idle)
	}
}

func TestTracker_Concurrency(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(clock)
	cancel := tr.Subscribe(func(UserStatus) {})
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			connID := string(rune('a' + n))
			user := "user-" + string(rune('0'+n%3))
			for j := 0; j < 100; j++ {
				tr.Open(connID, "10.0.0.1", "agent")
				tr.Authenticate(connID, user, time.Time{})
				tr.ReportIdle(connID, time.Time{})
				tr.ReportActive(connID, time.Time{})
				tr.Status(user)
				tr.Statuses()
				tr.Close(connID)
			}
		}(i)
	}
	wg.Wait()

	if n := tr.SessionCount(); n != 0 {
		t.Errorf("Expected no sessions left, got %d", n)
	}
	if n := tr.OnlineCount(); n != 0 {
		t.Errorf("Expected no users online, got %d", n)
	}
}
