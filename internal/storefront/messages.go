package storefront

import (
	"context"
	"errors"
	"net/http"

	"github.com/dvcrn/storefront-session/internal/gateway"
)

// UserMessage turns an error into something to show the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrNotLoggedIn):
		return "Please log in first"
	case gateway.IsAuthError(err):
		return "Your session has expired, please log in again"
	case errors.Is(err, context.DeadlineExceeded):
		return "Request timed out, please try again"
	}

	var he *gateway.HTTPError
	if !errors.As(err, &he) {
		return "Operation failed, please try again"
	}
	switch {
	case he.Status == http.StatusUnauthorized:
		return "Username or password incorrect"
	case he.Status == http.StatusNotFound:
		if d := he.Detail(); d != "" {
			return d
		}
		return "User does not exist"
	case he.Status == http.StatusUnprocessableEntity:
		return "Data format error"
	case he.Status >= 500:
		return "Server error, please try again later"
	}
	if d := he.Detail(); d != "" {
		return d
	}
	return "Operation failed, please try again"
}

// IsSessionError reports whether err means the user has to log in (again).
func IsSessionError(err error) bool {
	return errors.Is(err, ErrNotLoggedIn) ||
		gateway.IsAuthError(err) ||
		gateway.StatusCode(err) == http.StatusUnauthorized
}
