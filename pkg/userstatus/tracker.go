package userstatus

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrUnknownSession is returned when an operation references a connection id
// that is not currently open: either a caller bug or a stale reference after
// a race with disconnect.
var ErrUnknownSession = errors.New("unknown session")

// ChangeFunc receives a user's new aggregate status after it actually
// changed. Callbacks run outside the state lock and may call back into the
// Tracker.
type ChangeFunc func(UserStatus)

// Tracker holds every live session and the per-user aggregate derived from
// them. It is the session registry, presence aggregator and status publisher
// in one handle; construct one per process and pass it around explicitly.
type Tracker struct {
	clock Clock

	mu       sync.RWMutex
	sessions map[string]*Session            // connectionId -> session
	byUser   map[string]map[string]*Session // userId -> connectionId -> session
	statuses map[string]UserStatus          // userId -> last published aggregate

	subMu   sync.RWMutex
	subs    map[int]ChangeFunc
	nextSub int

	notifyMu sync.Mutex
	pending  []UserStatus
	draining bool
}

// NewTracker creates an empty tracker using the given clock. Pass
// SystemClock outside of tests.
func NewTracker(clock Clock) *Tracker {
	if clock == nil {
		clock = SystemClock
	}
	return &Tracker{
		clock:    clock,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		statuses: make(map[string]UserStatus),
		subs:     make(map[int]ChangeFunc),
	}
}

// Open records a new anonymous session. It has no effect on any user's
// aggregate until the session authenticates. Re-opening an id replaces the
// old record; the transport owns id uniqueness.
func (t *Tracker) Open(connID, ipAddr, userAgent string) {
	t.mu.Lock()
	if old, ok := t.sessions[connID]; ok && old.UserID != "" {
		t.detachLocked(old)
		t.recomputeLocked(old.UserID)
	}
	t.sessions[connID] = &Session{
		ConnectionID: connID,
		IPAddr:       ipAddr,
		UserAgent:    userAgent,
	}
	t.mu.Unlock()
	t.flush()
}

// Authenticate binds the session to a user and records the login. A zero
// `at` means "use server time". Calling it again with a different user moves
// the session between user sets; both aggregates are recomputed.
func (t *Tracker) Authenticate(connID, userID string, at time.Time) error {
	if at.IsZero() {
		at = t.clock.Now()
	}
	t.mu.Lock()
	s, ok := t.sessions[connID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownSession
	}
	prev := s.UserID
	if prev != "" && prev != userID {
		t.detachLocked(s)
	}
	s.UserID = userID
	s.LoginTime = at
	s.Idle = false
	s.LastActivity = time.Time{}
	if t.byUser[userID] == nil {
		t.byUser[userID] = make(map[string]*Session)
	}
	t.byUser[userID][connID] = s

	if prev != "" && prev != userID {
		t.recomputeLocked(prev)
	}
	// A genuine login refreshes the sticky lastLogin.
	t.recomputeLoginLocked(userID, &LastLogin{Date: at, IPAddr: s.IPAddr, UserAgent: s.UserAgent})
	t.mu.Unlock()
	t.flush()
	return nil
}

// Logout un-binds the session's identity while the connection stays open.
// The session record survives with login state cleared; the former user's
// aggregate is recomputed (offline if this was the last session).
func (t *Tracker) Logout(connID string) error {
	t.mu.Lock()
	s, ok := t.sessions[connID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownSession
	}
	prev := s.UserID
	t.detachLocked(s)
	s.UserID = ""
	s.LoginTime = time.Time{}
	s.Idle = false
	s.LastActivity = time.Time{}
	if prev != "" {
		t.recomputeLocked(prev)
	}
	t.mu.Unlock()
	t.flush()
	return nil
}

// Close removes the session and drops it from the owning user's set before
// recomputing. Closing an unknown or already-closed id is a no-op.
func (t *Tracker) Close(connID string) {
	t.mu.Lock()
	s, ok := t.sessions[connID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.sessions, connID)
	owner := s.UserID
	t.detachLocked(s)
	if owner != "" {
		t.recomputeLocked(owner)
	}
	t.mu.Unlock()
	t.flush()
}

// ReportIdle marks the session idle at the given time (zero = server time).
// Reports on anonymous sessions are accepted and ignored for aggregation.
func (t *Tracker) ReportIdle(connID string, at time.Time) error {
	if at.IsZero() {
		at = t.clock.Now()
	}
	t.mu.Lock()
	s, ok := t.sessions[connID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownSession
	}
	if s.UserID == "" {
		t.mu.Unlock()
		return nil
	}
	s.Idle = true
	s.LastActivity = at
	t.recomputeLocked(s.UserID)
	t.mu.Unlock()
	t.flush()
	return nil
}

// ReportActive clears the session's idle flag. The timestamp argument is
// accepted for symmetry but does not gate the effect; any active report
// immediately clears idleness.
func (t *Tracker) ReportActive(connID string, _ time.Time) error {
	t.mu.Lock()
	s, ok := t.sessions[connID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownSession
	}
	if s.UserID == "" {
		t.mu.Unlock()
		return nil
	}
	s.Idle = false
	s.LastActivity = time.Time{}
	t.recomputeLocked(s.UserID)
	t.mu.Unlock()
	t.flush()
	return nil
}

// Status returns the current aggregate for the user, or the offline default
// if the user was never tracked.
func (t *Tracker) Status(userID string) UserStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if st, ok := t.statuses[userID]; ok {
		return st
	}
	return UserStatus{UserID: userID}
}

// Statuses returns a snapshot of every tracked user (online or previously
// online), sorted by user id.
func (t *Tracker) Statuses() []UserStatus {
	t.mu.RLock()
	result := make([]UserStatus, 0, len(t.statuses))
	for _, st := range t.statuses {
		result = append(result, st)
	}
	t.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result
}

// Sessions returns a snapshot of every open session, sorted by connection
// id. Callers get copies, never internal references.
func (t *Tracker) Sessions() []Session {
	t.mu.RLock()
	result := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		result = append(result, *s)
	}
	t.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].ConnectionID < result[j].ConnectionID })
	return result
}

// OnlineCount returns the number of users with at least one session.
func (t *Tracker) OnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byUser)
}

// SessionCount returns the number of open connections.
func (t *Tracker) SessionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Subscribe registers a change callback and returns its cancel function.
func (t *Tracker) Subscribe(fn ChangeFunc) func() {
	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.subMu.Unlock()
	return func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
	}
}

// detachLocked removes the session from its owner's index. Caller holds mu.
func (t *Tracker) detachLocked(s *Session) {
	if s.UserID == "" {
		return
	}
	if set, ok := t.byUser[s.UserID]; ok {
		delete(set, s.ConnectionID)
		if len(set) == 0 {
			delete(t.byUser, s.UserID)
		}
	}
}

// recomputeLocked derives the user's aggregate from the current session set
// and queues a change event when it differs from the previous snapshot.
// LastLogin is carried forward from the previous aggregate; everything else
// depends only on current session contents. Caller holds mu.
func (t *Tracker) recomputeLocked(userID string) {
	t.recomputeLoginLocked(userID, nil)
}

// recomputeLoginLocked is recomputeLocked with a fresh login replacing the
// carried-forward LastLogin. Caller holds mu.
func (t *Tracker) recomputeLoginLocked(userID string, login *LastLogin) {
	prev := t.statuses[userID]
	if login == nil {
		login = prev.LastLogin
	}
	next := UserStatus{UserID: userID, LastLogin: login}

	set := t.byUser[userID]
	if len(set) > 0 {
		next.Online = true
		allIdle := true
		var latest time.Time
		for _, s := range set {
			if !s.Idle {
				allIdle = false
				break
			}
			if s.LastActivity.After(latest) {
				latest = s.LastActivity
			}
		}
		if allIdle {
			next.Idle = true
			next.LastActivity = &latest
		}
	}

	if next.equal(prev) {
		return
	}
	t.statuses[userID] = next

	t.notifyMu.Lock()
	t.pending = append(t.pending, next)
	t.notifyMu.Unlock()
}

// flush delivers queued change events in order, outside the state lock.
// Only one goroutine drains at a time: a mutator that finds another drainer
// active leaves its event in the queue for that drainer, so subscribers
// always observe changes in mutation order. Callbacks may queue further
// events; the active drainer picks them up.
func (t *Tracker) flush() {
	t.notifyMu.Lock()
	if t.draining {
		t.notifyMu.Unlock()
		return
	}
	t.draining = true
	for len(t.pending) > 0 {
		st := t.pending[0]
		t.pending = t.pending[1:]
		t.notifyMu.Unlock()

		t.subMu.RLock()
		for _, fn := range t.subs {
			fn(st)
		}
		t.subMu.RUnlock()

		t.notifyMu.Lock()
	}
	t.draining = false
	t.notifyMu.Unlock()
}
