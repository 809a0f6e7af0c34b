package ratelimit

import (
	"context"
	"errors"
	"time"
)

// DefaultWindow is the length of one counting window.
const DefaultWindow = time.Minute

var (
	ErrSessionLimited = errors.New("session rate limit exceeded")
	ErrOriginLimited  = errors.New("origin rate limit exceeded")
)

// OriginLimiter admits requests per network origin. Implementations may fail
// open and still report the error they swallowed.
type OriginLimiter interface {
	AdmitOrigin(ctx context.Context, origin string) (bool, error)
}

// Window is a window-reset counter. The count goes back to one whenever more
// than a full window has elapsed since Start, so a burst straddling a boundary
// can see up to twice the limit across the two windows.
//
// Window is not safe for concurrent use; callers hold their own lock.
type Window struct {
	Count int
	Start time.Time
}

// Admit reports whether one more request fits into the window at now. A
// rejected request does not increment the count.
func (w *Window) Admit(now time.Time, limit int, window time.Duration) bool {
	if window <= 0 {
		window = DefaultWindow
	}
	if w.Start.IsZero() || now.Sub(w.Start) > window {
		w.Count = 1
		w.Start = now
		return true
	}
	if w.Count >= limit {
		return false
	}
	w.Count++
	return true
}

// Elapsed reports whether the window has fully run out at now. An elapsed
// window behaves exactly like a fresh one on the next Admit.
func (w *Window) Elapsed(now time.Time, window time.Duration) bool {
	if window <= 0 {
		window = DefaultWindow
	}
	return w.Start.IsZero() || now.Sub(w.Start) > window
}
