package userstatus

import "time"

// Session is one live connection, possibly anonymous. The zero values carry
// meaning: an empty UserID means unauthenticated, a zero LoginTime means no
// login on this connection, and a zero LastActivity means the session never
// reported idle.
type Session struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId,omitempty"`
	IPAddr       string    `json:"ipAddr"`
	UserAgent    string    `json:"userAgent"`
	LoginTime    time.Time `json:"loginTime,omitzero"`
	Idle         bool      `json:"idle"`
	LastActivity time.Time `json:"lastActivity,omitzero"`
}

// LastLogin captures the most recent login event for a user. It survives
// logout and disconnect until the next login overwrites it.
type LastLogin struct {
	Date      time.Time `json:"date"`
	IPAddr    string    `json:"ipAddr"`
	UserAgent string    `json:"userAgent"`
}

// UserStatus is the aggregate derived from a user's current session set.
// Online is true while at least one session exists; Idle is true only while
// every session is idle. LastActivity is present only in the idle state.
type UserStatus struct {
	UserID       string     `json:"userId"`
	Online       bool       `json:"online"`
	Idle         bool       `json:"idle"`
	LastLogin    *LastLogin `json:"lastLogin,omitempty"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
}

// equal reports whether two aggregates match field-by-field. Used to
// suppress spurious change events when a recomputation lands on the same
// result.
func (s UserStatus) equal(o UserStatus) bool {
	if s.UserID != o.UserID || s.Online != o.Online || s.Idle != o.Idle {
		return false
	}
	switch {
	case s.LastLogin == nil && o.LastLogin != nil:
		return false
	case s.LastLogin != nil && o.LastLogin == nil:
		return false
	case s.LastLogin != nil:
		if !s.LastLogin.Date.Equal(o.LastLogin.Date) ||
			s.LastLogin.IPAddr != o.LastLogin.IPAddr ||
			s.LastLogin.UserAgent != o.LastLogin.UserAgent {
			return false
		}
	}
	switch {
	case s.LastActivity == nil && o.LastActivity != nil:
		return false
	case s.LastActivity != nil && o.LastActivity == nil:
		return false
	case s.LastActivity != nil:
		if !s.LastActivity.Equal(*o.LastActivity) {
			return false
		}
	}
	return true
}
