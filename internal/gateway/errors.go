package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const authFailedPrefix = "authentication failed"

// AuthError means the call could not be made or completed with valid
// credentials. The auth-error flow has already run when it is returned.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	msg := authFailedPrefix
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is, or wraps, an authentication failure.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return true
	}
	return strings.HasPrefix(err.Error(), authFailedPrefix)
}

// HTTPError is a non-2xx response from the API.
type HTTPError struct {
	Status     int
	StatusText string
	Body       []byte
	Method     string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request failed: %s %s (status: %d %s)", e.Method, e.URL, e.Status, e.StatusText)
}

// Detail returns the "detail" message of a JSON error body, if present.
// Validation errors carry a list of objects with a "msg" field; their
// messages are joined.
func (e *HTTPError) Detail() string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(e.Body, &body); err != nil || len(body.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(body.Detail, &s); err == nil {
		return s
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(body.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}
