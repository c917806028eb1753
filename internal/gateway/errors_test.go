package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAuthError(t *testing.T) {
	wrapped := fmt.Errorf("load orders: %w", &AuthError{Reason: "session expired"})
	assert.True(t, IsAuthError(wrapped))
	assert.True(t, IsAuthError(errors.New("authentication failed: upstream said no")))
	assert.False(t, IsAuthError(&HTTPError{Status: http.StatusUnauthorized}))
	assert.False(t, IsAuthError(nil))
}

func TestAuthErrorMessage(t *testing.T) {
	inner := &HTTPError{Status: 401, StatusText: "Unauthorized", Method: "GET", URL: "/users/7"}
	err := &AuthError{Reason: "token refresh failed", Err: inner}
	assert.Equal(t, "authentication failed: token refresh failed: request failed: GET /users/7 (status: 401 Unauthorized)", err.Error())
	assert.Equal(t, 401, StatusCode(err))
	assert.Equal(t, "authentication failed", (&AuthError{}).Error())
}

func TestHTTPErrorDetail(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "string", body: `{"detail":"Product not found"}`, want: "Product not found"},
		{name: "validation", body: `{"detail":[{"msg":"field required"},{"msg":"value is not a valid email"}]}`, want: "field required; value is not a valid email"},
		{name: "no detail", body: `{"error":"x"}`},
		{name: "not json", body: `Internal Server Error`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &HTTPError{Body: []byte(tt.body)}
			assert.Equal(t, tt.want, err.Detail())
		})
	}
}
