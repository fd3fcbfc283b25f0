package main

import (
	"strings"
	"time"

	"github.com/example/user-status/pkg/userstatus"
)

// ConnectionOpenedEvent is the payload the session gateway publishes to
// session.opened.
type ConnectionOpenedEvent struct {
	ConnId    string `json:"connId"`
	IPAddr    string `json:"ipAddr"`
	UserAgent string `json:"userAgent"`
}

// ConnectionAuthenticatedEvent is the payload for session.authenticated.
// Timestamp is the client-reported login time in Unix milliseconds; when
// absent the service clock is used.
type ConnectionAuthenticatedEvent struct {
	ConnId    string `json:"connId"`
	UserId    string `json:"userId"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

// ConnectionRef identifies a connection for session.logout and
// session.closed.
type ConnectionRef struct {
	ConnId string `json:"connId"`
}

// ActivityReport is the payload clients send to status.idle and
// status.active. Timestamp is optional Unix milliseconds.
type ActivityReport struct {
	ConnId    string `json:"connId"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

// StatusPayload is the wire form of an aggregate status. It is published to
// status.changed.{userId}, stored in the KV bucket, and returned by the
// query subjects. Dates travel as Unix milliseconds.
type StatusPayload struct {
	UserId       string            `json:"userId"`
	Online       bool              `json:"online"`
	Idle         bool              `json:"idle"`
	LastLogin    *LastLoginPayload `json:"lastLogin,omitempty"`
	LastActivity *int64            `json:"lastActivity,omitempty"`
}

// LastLoginPayload mirrors the sticky last-login capture.
type LastLoginPayload struct {
	Date      int64  `json:"date"`
	IPAddr    string `json:"ipAddr"`
	UserAgent string `json:"userAgent"`
}

// SessionPayload is the wire form of a session snapshot entry, served on
// session.list for debugging and tests.
type SessionPayload struct {
	ConnId       string `json:"connId"`
	UserId       string `json:"userId,omitempty"`
	IPAddr       string `json:"ipAddr"`
	UserAgent    string `json:"userAgent"`
	LoginTime    *int64 `json:"loginTime,omitempty"`
	Idle         bool   `json:"idle"`
	LastActivity *int64 `json:"lastActivity,omitempty"`
}

// reportTime converts an optional wire timestamp to the library's zero-means
// "use server time" convention.
func reportTime(ts *int64) time.Time {
	if ts == nil {
		return time.Time{}
	}
	return time.UnixMilli(*ts)
}

func millis(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func encodeStatus(st userstatus.UserStatus) StatusPayload {
	p := StatusPayload{
		UserId: st.UserID,
		Online: st.Online,
		Idle:   st.Idle,
	}
	if st.LastLogin != nil {
		p.LastLogin = &LastLoginPayload{
			Date:      st.LastLogin.Date.UnixMilli(),
			IPAddr:    st.LastLogin.IPAddr,
			UserAgent: st.LastLogin.UserAgent,
		}
	}
	if st.LastActivity != nil {
		p.LastActivity = millis(*st.LastActivity)
	}
	return p
}

func encodeStatuses(statuses []userstatus.UserStatus) []StatusPayload {
	result := make([]StatusPayload, 0, len(statuses))
	for _, st := range statuses {
		result = append(result, encodeStatus(st))
	}
	return result
}

func encodeSession(s userstatus.Session) SessionPayload {
	return SessionPayload{
		ConnId:       s.ConnectionID,
		UserId:       s.UserID,
		IPAddr:       s.IPAddr,
		UserAgent:    s.UserAgent,
		LoginTime:    millis(s.LoginTime),
		Idle:         s.Idle,
		LastActivity: millis(s.LastActivity),
	}
}

func encodeSessions(sessions []userstatus.Session) []SessionPayload {
	result := make([]SessionPayload, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, encodeSession(s))
	}
	return result
}

// validUserId rejects ids that would break subject and KV key formats.
func validUserId(userId string) bool {
	if userId == "" {
		return false
	}
	return !strings.ContainsAny(userId, ". *>")
}
