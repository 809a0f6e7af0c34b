package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTimeout     = errors.New("request timeout - generation took too long")
	ErrUnavailable = errors.New("motion generation server unavailable")
	ErrTransport   = errors.New("websocket error")
)

// ErrInvalidResponse is a transport error for a text reply that is not a JSON
// error object.
var ErrInvalidResponse = fmt.Errorf("%w: invalid response from server", ErrTransport)

// RejectedError is the backend's own structured failure.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("backend rejected request (%s): %s", e.Code, e.Message)
}

func parseRejection(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return ErrInvalidResponse
	}
	rej := &RejectedError{Code: "SERVER_ERROR", Message: "Unknown error"}
	if v, ok := obj["error"]; ok && v != nil {
		rej.Message = stringify(v)
	}
	if v, ok := obj["code"]; ok && v != nil {
		rej.Code = stringify(v)
	}
	return rej
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
