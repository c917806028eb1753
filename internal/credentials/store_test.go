package credentials

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/dvcrn/storefront-session/internal/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mint(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

func tokenExpiringAt(t *testing.T, exp time.Time) string {
	return mint(t, jwt.MapClaims{"user_id": 7, "username": "alice", "is_admin": false, "exp": exp.Unix()})
}

type countingNotifier struct{ n int }

func (c *countingNotifier) NotifyStateChange() { c.n++ }

func newStore(now time.Time) (*Store, *countingNotifier, *storage.Memory) {
	n := &countingNotifier{}
	mem := storage.NewMemory()
	s := NewStore(mem, zerolog.Nop(), WithClock(func() time.Time { return now }), WithNotifier(n))
	return s, n, mem
}

func TestSetGetRoundTrip(t *testing.T) {
	s, n, _ := newStore(epoch)
	raw := mint(t, jwt.MapClaims{"user_id": 42, "username": "bob", "is_admin": true, "exp": epoch.Add(time.Hour).Unix()})

	require.NoError(t, s.Set(raw))
	got, ok := s.Get()
	require.True(t, ok)
	assert.Equal(t, raw, got)
	assert.Equal(t, 1, n.n)

	c := s.Claims()
	require.NotNil(t, c)
	assert.Equal(t, int64(42), c.UserID)
	assert.Equal(t, "bob", c.Username)
	assert.True(t, c.IsAdmin)
	assert.True(t, c.ExpiresAt.Equal(epoch.Add(time.Hour)))
}

func TestSetMalformedLeavesStateUntouched(t *testing.T) {
	s, n, _ := newStore(epoch)
	good := tokenExpiringAt(t, epoch.Add(time.Hour))
	require.NoError(t, s.Set(good))

	for _, bad := range []string{"", "abc", "a.b", "a.b.c.d", "a..c"} {
		err := s.Set(bad)
		assert.ErrorIs(t, err, ErrMalformedToken, bad)
	}

	got, ok := s.Get()
	require.True(t, ok)
	assert.Equal(t, good, got)
	assert.Equal(t, 1, n.n, "rejected sets do not notify")
}

func TestClearIsIdempotent(t *testing.T) {
	s, n, mem := newStore(epoch)
	require.NoError(t, s.Set(tokenExpiringAt(t, epoch.Add(time.Hour))))
	require.NoError(t, s.SetProfile(map[string]interface{}{"user_id": 7}))

	s.Clear()
	s.Clear()

	_, ok := s.Get()
	assert.False(t, ok)
	_, ok, _ = mem.Get(storage.KeyCurrentUser)
	assert.False(t, ok, "profile is cleared with the credential")
	assert.Equal(t, 3, n.n)
}

func TestExpiryBoundaries(t *testing.T) {
	window := DefaultExpiryWindow
	exp := epoch.Add(time.Hour)
	raw := tokenExpiringAt(t, exp)

	t.Run("expiry equal to now is invalid", func(t *testing.T) {
		s, _, _ := newStore(exp)
		require.NoError(t, s.Set(raw))
		assert.False(t, s.IsValid())
		assert.False(t, s.Session().Authenticated)
	})

	t.Run("one millisecond before expiry is valid", func(t *testing.T) {
		s, _, _ := newStore(exp.Add(-time.Millisecond))
		require.NoError(t, s.Set(raw))
		assert.True(t, s.IsValid())
	})

	t.Run("window minus 1ms is expiring soon", func(t *testing.T) {
		s, _, _ := newStore(exp.Add(-(window - time.Millisecond)))
		require.NoError(t, s.Set(raw))
		assert.True(t, s.IsExpiringSoon(window))
	})

	t.Run("exactly window is not expiring soon", func(t *testing.T) {
		s, _, _ := newStore(exp.Add(-window))
		require.NoError(t, s.Set(raw))
		assert.False(t, s.IsExpiringSoon(window))
		assert.True(t, s.IsValid())
	})

	t.Run("absent credential", func(t *testing.T) {
		s, _, _ := newStore(epoch)
		assert.False(t, s.IsValid())
		assert.True(t, s.IsExpiringSoon(window))
		assert.Nil(t, s.Claims())
		_, ok := s.Remaining()
		assert.False(t, ok)
	})
}

func TestUndecodableCredential(t *testing.T) {
	s, _, _ := newStore(epoch)
	require.NoError(t, s.Set("not.a.jwt"))

	assert.False(t, s.IsValid())
	assert.True(t, s.IsExpiringSoon(time.Minute))
	assert.Nil(t, s.Claims())
}

func TestClaimsNormalization(t *testing.T) {
	exp := epoch.Add(time.Hour).Unix()
	cases := []struct {
		name     string
		claims   jwt.MapClaims
		admin    bool
		username string
		userID   int64
	}{
		{"is_admin flag", jwt.MapClaims{"exp": exp, "user_id": 1, "username": "a", "is_admin": true}, true, "a", 1},
		{"role admin", jwt.MapClaims{"exp": exp, "user_id": 2, "user_name": "b", "role": "admin"}, true, "b", 2},
		{"admin flag", jwt.MapClaims{"exp": exp, "sub": "3", "username": "c", "admin": true}, true, "c", 3},
		{"plain user", jwt.MapClaims{"exp": exp, "user_id": "4", "username": "d", "role": "customer"}, false, "d", 4},
		{"username wins over user_name", jwt.MapClaims{"exp": exp, "user_id": 5, "username": "e", "user_name": "legacy"}, false, "e", 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := ParseClaims(mint(t, tc.claims))
			require.NoError(t, err)
			assert.Equal(t, tc.admin, c.IsAdmin)
			assert.Equal(t, tc.username, c.Username)
			assert.Equal(t, tc.userID, c.UserID)
		})
	}
}

func TestParseClaimsRequiresExp(t *testing.T) {
	_, err := ParseClaims(mint(t, jwt.MapClaims{"user_id": 1}))
	assert.Error(t, err)

	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"exp":"tomorrow"}`))
	_, err = ParseClaims("eyJhbGciOiJIUzI1NiJ9." + payload + ".sig")
	assert.Error(t, err)
}

func TestProfile(t *testing.T) {
	s, _, mem := newStore(epoch)
	_, ok := s.Profile()
	assert.False(t, ok)

	require.NoError(t, s.SetProfile(map[string]interface{}{"user_id": 7, "user_name": "alice"}))
	raw, ok := s.Profile()
	require.True(t, ok)
	var p map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, "alice", p["user_name"])

	require.NoError(t, mem.Set(storage.KeyCurrentUser, "{broken"))
	_, ok = s.Profile()
	assert.False(t, ok)
	_, ok, _ = mem.Get(storage.KeyCurrentUser)
	assert.False(t, ok, "broken profile is discarded")
}
