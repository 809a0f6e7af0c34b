package journal

import (
	"context"
	"time"
)

// OutcomeOK marks a generation that produced a stored motion. Failed attempts
// carry the failure kind instead.
const OutcomeOK = "ok"

// Entry records one generation attempt that passed admission.
type Entry struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	MotionID   string    `json:"motion_id,omitempty"`
	Prompt     string    `json:"prompt"`
	FrameCount int       `json:"frame_count"`
	Duration   float64   `json:"duration"`
	Outcome    string    `json:"outcome"`
	Code       string    `json:"code,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is an append-only audit trail of generation attempts. It is never
// used to rebuild sessions or results.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	// Recent returns up to limit entries for the session, newest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Close() error
}
