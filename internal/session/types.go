package session

import (
	"errors"
	"time"
)

var (
	ErrSessionRequired  = errors.New("session id required")
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrSessionForbidden = errors.New("session does not belong to this client")
	ErrResultNotFound   = errors.New("motion not found")
)

// ErrSessionExpired is returned when a session was swept between being
// resolved and a later operation on it.
var ErrSessionExpired = errors.New("session expired")

// MaxIDLength bounds client supplied session ids.
const MaxIDLength = 64

// Session is a point-in-time copy of a stored session. The live record never
// leaves the Store.
type Session struct {
	ID                 string    `json:"session_id"`
	CreatedAt          time.Time `json:"created_at"`
	LastActivityAt     time.Time `json:"last_activity_at"`
	Fingerprint        string    `json:"-"`
	RequestCount       int       `json:"request_count"`
	RequestWindowStart time.Time `json:"request_window_start"`
	ResultCount        int       `json:"result_count"`
}

// Hooks are invoked after the store lock is released.
type Hooks struct {
	OnCreate func(Session)
	OnRebind func(Session)
	OnExpire func(Session)
}
