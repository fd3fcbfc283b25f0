package userstatus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Watchdog forces a session into the idle state when no activity report
// arrives within the timeout. Sessions are armed on authenticate, re-armed
// on every active report and disarmed on logout or close. A single sweep
// loop bounds timer granularity to the check interval.
type Watchdog struct {
	tracker  *Tracker
	clock    Clock
	timeout  time.Duration
	interval time.Duration

	mu        sync.Mutex
	deadlines map[string]time.Time // connectionId -> idle deadline
}

// NewWatchdog creates a watchdog over the tracker. It shares the tracker's
// notion of server time so forced idle reports and explicit ones agree.
func NewWatchdog(tracker *Tracker, timeout, interval time.Duration) *Watchdog {
	return &Watchdog{
		tracker:   tracker,
		clock:     tracker.clock,
		timeout:   timeout,
		interval:  interval,
		deadlines: make(map[string]time.Time),
	}
}

// Watch arms the timer for a session. Called on authenticate.
func (w *Watchdog) Watch(connID string) {
	w.mu.Lock()
	w.deadlines[connID] = w.clock.Now().Add(w.timeout)
	w.mu.Unlock()
}

// Reset re-arms the timer after an explicit active report, including for a
// session the sweep already fired and disarmed. Arming an unknown session is
// harmless: its expiry hits ErrUnknownSession and the entry is dropped.
func (w *Watchdog) Reset(connID string) {
	w.mu.Lock()
	w.deadlines[connID] = w.clock.Now().Add(w.timeout)
	w.mu.Unlock()
}

// Clear disarms the timer. Called on logout and close.
func (w *Watchdog) Clear(connID string) {
	w.mu.Lock()
	delete(w.deadlines, connID)
	w.mu.Unlock()
}

// Watched returns the number of armed sessions.
func (w *Watchdog) Watched() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.deadlines)
}

// Run sweeps expired sessions until the context is cancelled. Each expired
// session gets one forced idle report at server time and is disarmed until
// the next Reset.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Watchdog) sweep() {
	now := w.clock.Now()
	w.mu.Lock()
	var expired []string
	for connID, deadline := range w.deadlines {
		if !deadline.After(now) {
			expired = append(expired, connID)
			delete(w.deadlines, connID)
		}
	}
	w.mu.Unlock()

	for _, connID := range expired {
		if err := w.tracker.ReportIdle(connID, time.Time{}); err != nil {
			// Session raced with a disconnect; nothing to clean up.
			slog.Debug("Watchdog idle report skipped", "connId", connID, "error", err)
			continue
		}
		slog.Debug("Watchdog forced session idle", "connId", connID)
	}
}
