package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedToken is returned for strings that are not three
// dot-separated segments.
var ErrMalformedToken = errors.New("malformed token")

// Claims is the normalized view of a credential's payload. Every
// permission check in the client reads it from here.
type Claims struct {
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Role      string    `json:"role,omitempty"`
	IsAdmin   bool      `json:"is_admin"`
	ExpiresAt time.Time `json:"-"`
}

// Session is the derived authentication view. It is never cached.
type Session struct {
	Authenticated bool
	User          *Claims
}

// WellFormed reports whether raw has the shape header.payload.signature.
func WellFormed(raw string) bool {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// ParseClaims decodes the payload of raw without verifying the signature;
// the server is the authority on signatures.
func ParseClaims(raw string) (*Claims, error) {
	if !WellFormed(raw) {
		return nil, ErrMalformedToken
	}
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, mc); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	exp, err := mc.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("failed to read exp claim: %w", err)
	}
	if exp == nil {
		return nil, errors.New("token has no exp claim")
	}

	c := &Claims{ExpiresAt: exp.Time}
	c.UserID = firstInt(mc, "user_id", "sub")
	c.Username = firstString(mc, "username", "user_name", "name")
	c.Role, _ = mc["role"].(string)
	c.IsAdmin = isTrue(mc["is_admin"]) || strings.EqualFold(c.Role, "admin") || isTrue(mc["admin"])
	return c, nil
}

func firstString(mc jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if s, ok := mc[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstInt(mc jwt.MapClaims, keys ...string) int64 {
	for _, k := range keys {
		switch v := mc[k].(type) {
		case float64:
			return int64(v)
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n
			}
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

func isTrue(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true"
	case float64:
		return b == 1
	}
	return false
}
