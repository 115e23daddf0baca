package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/session-gate/internal/clock"
	"github.com/yourusername/session-gate/internal/metrics"
	"github.com/yourusername/session-gate/internal/session"
	"github.com/yourusername/session-gate/internal/token"
)

var epoch = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	manager *Manager
	store   *session.MemoryStore
	clock   *clock.Manual
	codec   *token.Codec
}

func newFixture(t *testing.T, policy Policy, limits session.Limits) *fixture {
	t.Helper()
	c := clock.NewManual(epoch)
	store := session.NewMemoryStore(c, limits)
	codec, err := token.NewCodec(bytes.Repeat([]byte{0x5a}, 32))
	require.NoError(t, err)
	if policy.SessionTTL == 0 {
		policy.SessionTTL = 30 * time.Minute
	}
	manager, err := NewManager(store, codec, policy, metrics.New(store), zerolog.Nop())
	require.NoError(t, err)
	return &fixture{manager: manager, store: store, clock: c, codec: codec}
}

func (f *fixture) login(t *testing.T, subject string, persistent bool) *Result {
	t.Helper()
	result, err := f.manager.Login(context.Background(), subject, persistent, "")
	require.NoError(t, err)
	require.NotNil(t, result.Cookie)
	return result
}

func TestNewManagerValidatesDependencies(t *testing.T) {
	codec, err := token.NewCodec(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	store := session.NewMemoryStore(nil, session.Limits{})

	_, err = NewManager(nil, codec, Policy{SessionTTL: time.Minute}, nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewManager(store, nil, Policy{SessionTTL: time.Minute}, nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewManager(store, codec, Policy{}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestLoginThenAuthenticateYieldsSubject(t *testing.T) {
	f := newFixture(t, Policy{SlidingTTL: 30 * time.Minute}, session.Limits{})
	for _, subject := range []string{"alice", "bob", "Zoë", "user@example.com"} {
		result := f.login(t, subject, false)
		assert.True(t, result.Identity.Authenticated)
		assert.Equal(t, subject, result.Identity.Subject)

		got := f.manager.Authenticate(context.Background(), result.Cookie.Value)
		assert.True(t, got.Identity.Authenticated)
		assert.Equal(t, subject, got.Identity.Subject)
		assert.Equal(t, result.Identity.SessionID, got.Identity.SessionID)
	}
}

func TestLoginTrimsSubject(t *testing.T) {
	f := newFixture(t, Policy{}, session.Limits{})
	result := f.login(t, "  alice\t", false)
	assert.Equal(t, "alice", result.Identity.Subject)
}

func TestLoginRejectsInvalidSubject(t *testing.T) {
	f := newFixture(t, Policy{MaxSubjectLength: 8}, session.Limits{})
	cases := map[string]string{
		"empty":      "",
		"whitespace": "   \n ",
		"too long":   strings.Repeat("a", 9),
		"control":    "ali\x00ce",
		"bad utf8":   "al\xffice",
	}
	for name, subject := range cases {
		t.Run(name, func(t *testing.T) {
			result, err := f.manager.Login(context.Background(), subject, true, "")
			require.Error(t, err)
			assert.Nil(t, result)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, "username", verr.Field)
		})
	}

	n, err := f.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "rejected logins must not create sessions")
}

func TestEmptyUsernameMessage(t *testing.T) {
	f := newFixture(t, Policy{}, session.Limits{})
	_, err := f.manager.Login(context.Background(), "", false, "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Username is required", verr.Message)
}

func TestPersistentLoginSetsExpiry(t *testing.T) {
	f := newFixture(t, Policy{SessionTTL: 30 * time.Minute}, session.Limits{})

	persistent := f.login(t, "alice", true)
	assert.Equal(t, epoch.Add(30*time.Minute), persistent.Cookie.Expires)
	assert.False(t, persistent.Cookie.Clear)

	scoped := f.login(t, "bob", false)
	assert.True(t, scoped.Cookie.Expires.IsZero())

	got := f.manager.Authenticate(context.Background(), persistent.Cookie.Value)
	assert.Equal(t, "alice", got.Identity.Subject)
}

func TestAuthenticateWithoutCookieIsAnonymous(t *testing.T) {
	f := newFixture(t, Policy{}, session.Limits{})
	got := f.manager.Authenticate(context.Background(), "")
	assert.False(t, got.Identity.Authenticated)
	assert.Nil(t, got.Cookie)
}

func TestTamperedTokenIsAnonymousAndCleared(t *testing.T) {
	f := newFixture(t, Policy{}, session.Limits{})
	result := f.login(t, "alice", true)

	value := result.Cookie.Value
	last := value[len(value)-1]
	replacement := byte('A')
	if last == 'A' {
		replacement = 'B'
	}
	tampered := value[:len(value)-1] + string(replacement)

	got := f.manager.Authenticate(context.Background(), tampered)
	assert.False(t, got.Identity.Authenticated)
	require.NotNil(t, got.Cookie)
	assert.True(t, got.Cookie.Clear)
}

func TestBitFlipNeverAuthenticates(t *testing.T) {
	f := newFixture(t, Policy{}, session.Limits{})
	value := f.login(t, "alice", false).Cookie.Value

	for i := 0; i < len(value); i++ {
		b := []byte(value)
		b[i] ^= 0x01
		got := f.manager.Authenticate(context.Background(), string(b))
		require.False(t, got.Identity.Authenticated, "flip at byte %d authenticated", i)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	f := newFixture(t, Policy{SlidingTTL: time.Hour}, session.Limits{})
	value := f.login(t, "alice", true).Cookie.Value

	out := f.manager.Logout(context.Background(), value)
	require.NotNil(t, out.Cookie)
	assert.True(t, out.Cookie.Clear)
	assert.False(t, out.Identity.Authenticated)

	got := f.manager.Authenticate(context.Background(), value)
	assert.False(t, got.Identity.Authenticated)
	require.NotNil(t, got.Cookie)
	assert.True(t, got.Cookie.Clear)
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t, Policy{}, session.Limits{})
	value := f.login(t, "alice", false).Cookie.Value

	for _, raw := range []string{value, value, "", "garbage"} {
		out := f.manager.Logout(context.Background(), raw)
		require.NotNil(t, out.Cookie)
		assert.True(t, out.Cookie.Clear)
	}
}

func TestSlidingRefreshReissuesCookie(t *testing.T) {
	sliding := 10 * time.Minute
	f := newFixture(t, Policy{SessionTTL: sliding, SlidingTTL: sliding}, session.Limits{})
	value := f.login(t, "alice", true).Cookie.Value

	for i := 0; i < 4; i++ {
		f.clock.Advance(sliding - time.Minute)
		got := f.manager.Authenticate(context.Background(), value)
		require.True(t, got.Identity.Authenticated, "access %d", i)
		require.NotNil(t, got.Cookie)
		assert.Equal(t, f.clock.Now().Add(sliding), got.Cookie.Expires)

		claims, err := f.codec.Decode(got.Cookie.Value)
		require.NoError(t, err)
		assert.Equal(t, f.clock.Now().Add(sliding).Unix(), claims.ExpiresAt.Unix())
		value = got.Cookie.Value
	}

	f.clock.Advance(sliding)
	got := f.manager.Authenticate(context.Background(), value)
	assert.False(t, got.Identity.Authenticated)
	require.NotNil(t, got.Cookie)
	assert.True(t, got.Cookie.Clear)
}

func TestWithoutSlidingCookieIsUntouched(t *testing.T) {
	f := newFixture(t, Policy{SessionTTL: 5 * time.Minute}, session.Limits{})
	value := f.login(t, "alice", false).Cookie.Value

	f.clock.Advance(4 * time.Minute)
	got := f.manager.Authenticate(context.Background(), value)
	assert.True(t, got.Identity.Authenticated)
	assert.Nil(t, got.Cookie)

	f.clock.Advance(time.Minute + time.Second)
	got = f.manager.Authenticate(context.Background(), value)
	assert.False(t, got.Identity.Authenticated)
}

func TestCapacityExceededRejectsLogin(t *testing.T) {
	f := newFixture(t, Policy{}, session.Limits{MaxSessions: 1})
	f.login(t, "alice", false)

	result, err := f.manager.Login(context.Background(), "bob", false, "")
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Nil(t, result)
}

func TestReloginKeepsPreviousSessionByDefault(t *testing.T) {
	f := newFixture(t, Policy{}, session.Limits{})
	first := f.login(t, "alice", false).Cookie.Value

	second, err := f.manager.Login(context.Background(), "alice", false, first)
	require.NoError(t, err)
	assert.NotEqual(t, first, second.Cookie.Value)

	assert.True(t, f.manager.Authenticate(context.Background(), first).Identity.Authenticated)
	assert.True(t, f.manager.Authenticate(context.Background(), second.Cookie.Value).Identity.Authenticated)
}

func TestReloginRevokesPreviousSessionWhenConfigured(t *testing.T) {
	f := newFixture(t, Policy{RevokeOnRelogin: true}, session.Limits{})
	first := f.login(t, "alice", false).Cookie.Value

	second, err := f.manager.Login(context.Background(), "bob", false, first)
	require.NoError(t, err)

	assert.False(t, f.manager.Authenticate(context.Background(), first).Identity.Authenticated)
	assert.Equal(t, "bob", f.manager.Authenticate(context.Background(), second.Cookie.Value).Identity.Subject)
}

type failingStore struct {
	session.Store
}

func (failingStore) ValidateAndTouch(ctx context.Context, id string, slidingTTL time.Duration) (*session.Session, error) {
	return nil, errors.New("connection refused")
}

func TestStoreFailureDoesNotClearCookie(t *testing.T) {
	f := newFixture(t, Policy{}, session.Limits{})
	value := f.login(t, "alice", false).Cookie.Value

	broken, err := NewManager(failingStore{Store: f.store}, f.codec, Policy{SessionTTL: time.Minute}, nil, zerolog.Nop())
	require.NoError(t, err)

	got := broken.Authenticate(context.Background(), value)
	assert.False(t, got.Identity.Authenticated)
	assert.Nil(t, got.Cookie)
}

func TestConcurrentLoginsProduceDistinctSessions(t *testing.T) {
	f := newFixture(t, Policy{}, session.Limits{})
	const workers = 16

	values := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := f.manager.Login(context.Background(), fmt.Sprintf("user-%d", i), false, "")
			if err != nil {
				t.Errorf("login %d: %v", i, err)
				return
			}
			values[i] = result.Cookie.Value
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, value := range values {
		got := f.manager.Authenticate(context.Background(), value)
		require.True(t, got.Identity.Authenticated)
		assert.Equal(t, fmt.Sprintf("user-%d", i), got.Identity.Subject)
		assert.False(t, seen[got.Identity.SessionID])
		seen[got.Identity.SessionID] = true
	}
}
