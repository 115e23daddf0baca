package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/session-gate/internal/auth"
	"github.com/yourusername/session-gate/internal/clock"
	"github.com/yourusername/session-gate/internal/config"
	"github.com/yourusername/session-gate/internal/metrics"
	"github.com/yourusername/session-gate/internal/session"
	"github.com/yourusername/session-gate/internal/token"
)

func testConfig() *config.Config {
	return &config.Config{
		GinMode:            gin.TestMode,
		CORSAllowedOrigins: "",
		SessionTTL:         30 * time.Minute,
		SlidingTTL:         30 * time.Minute,
		CookieName:         "sg_session",
		CookieSameSite:     "lax",
		LoginPath:          "/login",
		LogoutPath:         "/logout",
		PostLoginPath:      "/",
		PostLogoutPath:     "/",
		SessionStore:       config.StoreMemory,
		SweepInterval:      time.Minute,
	}
}

func newTestServer(t *testing.T) (*gin.Engine, *session.MemoryStore, *localSweeping) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := testConfig()

	secret := bytes.Repeat([]byte("s"), config.MinSecretLength)
	macKey, err := token.DeriveKey(secret, token.PurposeSessionMAC)
	require.NoError(t, err)
	navKey, err := token.DeriveKey(secret, token.PurposeNavCookie)
	require.NoError(t, err)
	codec, err := token.NewCodec(macKey)
	require.NoError(t, err)

	store := session.NewMemoryStore(clock.System{}, session.Limits{})
	m := metrics.New(store)
	manager, err := auth.NewManager(store, codec, auth.Policy{SessionTTL: cfg.SessionTTL, SlidingTTL: cfg.SlidingTTL}, m, zerolog.Nop())
	require.NoError(t, err)
	handler := auth.NewHandler(manager, auth.CookieOptions{Name: cfg.CookieName, SameSite: cfg.SameSite()}, auth.Paths{
		Login:      cfg.LoginPath,
		Logout:     cfg.LogoutPath,
		PostLogin:  cfg.PostLoginPath,
		PostLogout: cfg.PostLogoutPath,
	}, cfg.DefaultPersistent)

	sweeps := newLocalSweeping(store, time.Hour, m, zerolog.Nop())
	router := newRouter(cfg, zerolog.Nop(), routeDeps{
		handler:  handler,
		navStore: auth.NewNavigationStore(navKey, cfg.SameSite()),
		metrics:  m,
		sessions: store,
		sweeps:   sweeps,
	})
	return router, store, sweeps
}

func TestHealthReportsSessionCount(t *testing.T) {
	router, store, _ := newTestServer(t)
	_, err := store.Create(context.Background(), "alice", false, time.Minute)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["sessions"])
	assert.NotContains(t, body, "lastSweep")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealthIncludesLastSweep(t *testing.T) {
	router, _, sweeps := newTestServer(t)
	sweeps.janitor.SweepOnce(context.Background())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body struct {
		LastSweep struct {
			Status  string `json:"status"`
			Removed int    `json:"removed"`
		} `json:"lastSweep"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "done", body.LastSweep.Status)
	assert.Zero(t, body.LastSweep.Removed)
}

func TestMetricsEndpointExposesCollectors(t *testing.T) {
	router, _, _ := newTestServer(t)

	form := url.Values{"username": {"alice"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	router.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "session_gate_active_sessions 1")
	assert.Contains(t, body, `session_gate_logins_total{result="success"} 1`)
}

func TestSiteRoutesAreWired(t *testing.T) {
	router, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authentication Scheme: Cookies")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/secret", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))

	form := url.Values{"username": {"alice"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	var sessionCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "sg_session" {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie)

	req = httptest.NewRequest(http.MethodGet, "/secret", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie.Name, Value: sessionCookie.Value})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello alice. This is a secret!", rec.Body.String())
}

func countCookies(rec *httptest.ResponseRecorder, name string) int {
	n := 0
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			n++
		}
	}
	return n
}

func TestLoginAndLogoutWriteSessionCookieOnce(t *testing.T) {
	router, _, _ := newTestServer(t)

	post := func(path string, form url.Values, cookie *http.Cookie) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if cookie != nil {
			req.AddCookie(cookie)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := post("/login", url.Values{"username": {"alice"}}, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, 1, countCookies(rec, "sg_session"))
	var issued *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "sg_session" {
			issued = &http.Cookie{Name: c.Name, Value: c.Value}
		}
	}

	rec = post("/login", url.Values{"username": {"  "}}, issued)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, countCookies(rec, "sg_session"))

	rec = post("/logout", url.Values{}, issued)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, 1, countCookies(rec, "sg_session"))
}

func TestNoCORSHeadersByDefault(t *testing.T) {
	router, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestLocalSweepingStartsAndStops(t *testing.T) {
	c := clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	store := session.NewMemoryStore(c, session.Limits{})
	sweeps := newLocalSweeping(store, 10*time.Millisecond, nil, zerolog.Nop())

	_, err := store.Create(context.Background(), "alice", false, time.Second)
	require.NoError(t, err)
	c.Advance(time.Minute)

	require.NoError(t, sweeps.Start(context.Background()))
	require.Error(t, sweeps.Start(context.Background()))

	require.Eventually(t, func() bool {
		last, err := sweeps.LastRecord(context.Background())
		return err == nil && last != nil
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sweeps.Shutdown(ctx))

	// 期限切れセッションは既に掃除されている
	removed, err := store.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSetupSessionStoreMemory(t *testing.T) {
	store, closeStore, err := setupSessionStore(context.Background(), testConfig(), clock.System{})
	require.NoError(t, err)
	defer closeStore()
	_, ok := store.(*session.MemoryStore)
	assert.True(t, ok)
}

func TestSetupSessionStoreRejectsBadRedisURL(t *testing.T) {
	cfg := testConfig()
	cfg.SessionStore = config.StoreRedis
	cfg.SessionRedisURL = "://bad"
	_, _, err := setupSessionStore(context.Background(), cfg, clock.System{})
	assert.Error(t, err)
}
