package reliability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ent0n29/motiongate/internal/bridge"
	"github.com/ent0n29/motiongate/internal/motion"
	"github.com/ent0n29/motiongate/internal/ratelimit"
	"github.com/ent0n29/motiongate/internal/session"
)

// Kind is the client-facing failure category of a request.
type Kind string

const (
	KindInvalidSessionID   Kind = "invalid_session_id"
	KindSessionRequired    Kind = "session_required"
	KindSessionForbidden   Kind = "session_forbidden"
	KindRateLimited        Kind = "rate_limited"
	KindTimeout            Kind = "timeout"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindTransport          Kind = "transport"
	KindBackendRejected    Kind = "backend_rejected"
	KindMalformedPayload   Kind = "malformed_payload"
	KindNotFound           Kind = "not_found"
	KindValidation         Kind = "validation"
	KindInternal           Kind = "internal"
)

// Failure is the classified form of an error, ready for the wire.
type Failure struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	// RetryAfter is zero unless the caller may try again later.
	RetryAfter time.Duration
}

// Retryable reports whether a later identical request may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindBackendUnavailable:
		return true
	default:
		return false
	}
}

// ValidationError rejects a malformed request body.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Invalid builds a ValidationError.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// Classify maps any error produced by the gateway into its Failure.
// Unknown errors become KindInternal with a generic message.
func Classify(err error) Failure {
	var (
		rej *bridge.RejectedError
		val *ValidationError
	)
	switch {
	case err == nil:
		return Failure{Kind: KindInternal, Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: "Internal server error"}
	case errors.Is(err, session.ErrInvalidSessionID):
		return Failure{Kind: KindInvalidSessionID, Status: http.StatusBadRequest, Code: "INVALID_SESSION_ID", Message: "Invalid X-Session-ID format"}
	case errors.Is(err, session.ErrSessionRequired):
		return Failure{Kind: KindSessionRequired, Status: http.StatusUnauthorized, Code: "SESSION_REQUIRED", Message: "Missing X-Session-ID"}
	case errors.Is(err, session.ErrSessionForbidden):
		return Failure{Kind: KindSessionForbidden, Status: http.StatusForbidden, Code: "SESSION_FORBIDDEN", Message: "Session does not belong to this client"}
	case errors.Is(err, ratelimit.ErrSessionLimited):
		return Failure{Kind: KindRateLimited, Status: http.StatusTooManyRequests, Code: "RATE_LIMIT", Message: "Rate limit exceeded - too many requests per minute", RetryAfter: ratelimit.DefaultWindow}
	case errors.Is(err, ratelimit.ErrOriginLimited):
		return Failure{Kind: KindRateLimited, Status: http.StatusTooManyRequests, Code: "IP_RATE_LIMIT", Message: "Rate limit exceeded for IP", RetryAfter: ratelimit.DefaultWindow}
	case errors.Is(err, bridge.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Failure{Kind: KindTimeout, Status: http.StatusGatewayTimeout, Code: "TIMEOUT", Message: "Request timeout - generation took too long", RetryAfter: 5 * time.Second}
	case errors.Is(err, bridge.ErrUnavailable):
		return Failure{Kind: KindBackendUnavailable, Status: http.StatusServiceUnavailable, Code: "SERVER_UNAVAILABLE", Message: "Motion generation server unavailable", RetryAfter: 5 * time.Second}
	case errors.Is(err, bridge.ErrInvalidResponse):
		return Failure{Kind: KindTransport, Status: http.StatusBadGateway, Code: "INVALID_RESPONSE", Message: "Invalid response from server"}
	case errors.Is(err, bridge.ErrTransport):
		return Failure{Kind: KindTransport, Status: http.StatusBadGateway, Code: "WEBSOCKET_ERROR", Message: "WebSocket error"}
	case errors.As(err, &rej):
		return Failure{Kind: KindBackendRejected, Status: http.StatusInternalServerError, Code: rej.Code, Message: rej.Message}
	case errors.Is(err, motion.ErrMalformedPayload):
		return Failure{Kind: KindMalformedPayload, Status: http.StatusInternalServerError, Code: "GENERATION_FAILED", Message: "Failed to generate motion"}
	case errors.Is(err, session.ErrResultNotFound), errors.Is(err, session.ErrSessionExpired):
		return Failure{Kind: KindNotFound, Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "Motion not found"}
	case errors.As(err, &val):
		return Failure{Kind: KindValidation, Status: http.StatusUnprocessableEntity, Code: "VALIDATION_ERROR", Message: val.Error()}
	default:
		return Failure{Kind: KindInternal, Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: "Internal server error"}
	}
}
