package rest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/buzkaaclicker/agora/inmem"
	"github.com/buzkaaclicker/agora/persistent"
	"github.com/buzkaaclicker/agora/security"
	"github.com/buzkaaclicker/agora/session"
	"github.com/buzkaaclicker/agora/token"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/buntdb"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type testApp struct {
	app      *fiber.App
	kv       *persistent.BuntKV
	store    *persistent.SessionStore
	manager  *session.Manager
	monitor  *security.Monitor
	limiter  *security.RateLimiter
	chain    *SecurityChain
	csrf     *CsrfGuard
	auditLog *inmem.AuditLog
	clock    *clock
}

type testOption func(a *testApp)

func withLocations() testOption {
	return func(a *testApp) {
		a.chain.Locations = &security.LocationTracker{KV: a.kv, Reporter: a.monitor, Now: a.clock.Now}
	}
}

func newTestApp(t *testing.T, options ...testOption) *testApp {
	bdb, err := buntdb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = bdb.Close()
	})
	kv := &persistent.BuntKV{Buntdb: bdb}

	tokenSealer, err := token.NewSealer("test encryption key", "session-token")
	require.NoError(t, err)
	recordSealer, err := token.NewSealer("test encryption key", "session-record")
	require.NoError(t, err)

	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := &persistent.SessionStore{KV: kv, Sealer: recordSealer, TTL: 24 * time.Hour, MaxSessionsPerUser: 5}
	auditLog := inmem.NewAuditLog()
	monitor := &security.Monitor{KV: kv, AuditLog: auditLog, Sessions: store, MaxSessionsPerUser: 5, Now: c.Now}
	manager := &session.Manager{
		Store:              store,
		Tokens:             &token.Codec{Sealer: tokenSealer, Now: c.Now},
		Audit:              monitor,
		IdleTimeout:        time.Hour,
		AbsoluteTimeout:    24 * time.Hour,
		RefreshThreshold:   15 * time.Minute,
		MaxSessionsPerUser: 5,
		Now:                c.Now,
	}
	store.OnEvict = manager.AuditEviction

	limiter := &security.RateLimiter{KV: kv, MaxAttempts: 1000, Window: time.Minute, Now: c.Now}
	a := &testApp{
		kv:      kv,
		store:   store,
		manager: manager,
		monitor: monitor,
		limiter: limiter,
		chain: &SecurityChain{
			Manager:       manager,
			Monitor:       monitor,
			Fingerprinter: &security.Fingerprinter{Key: []byte("fingerprint key"), Threshold: 0.8},
			Limiter:       limiter,
		},
		csrf:     &CsrfGuard{TokenLength: 32, Expiry: time.Hour, Audit: monitor, Now: c.Now},
		auditLog: auditLog,
		clock:    c,
	}
	for _, option := range options {
		option(a)
	}

	a.app = NewApi(ApiConfig{
		Manager:     manager,
		Monitor:     monitor,
		Chain:       a.chain,
		Csrf:        a.csrf,
		Cookie:      SessionCookie{Name: "sid", MaxAge: time.Hour},
		AuditReader: auditLog,
	})
	return a
}

// client keeps cookies and the csrf token between requests, like a browser would.
type client struct {
	t         *testing.T
	app       *testApp
	sid       string
	csrf      string
	userAgent string
	headers   map[string]string
}

func (a *testApp) client(t *testing.T) *client {
	return &client{t: t, app: a, userAgent: "Mozilla/5.0 (X11; Linux x86_64) Firefox/123.0", headers: map[string]string{}}
}

func (c *client) request(method string, path string, body string, withCsrf bool) (*http.Response, string) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	req.Header.Set(fiber.HeaderUserAgent, c.userAgent)
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	if c.sid != "" {
		req.AddCookie(&http.Cookie{Name: "sid", Value: c.sid})
	}
	if withCsrf && c.csrf != "" {
		req.Header.Set(HeaderCsrfToken, c.csrf)
	}

	resp, err := c.app.app.Test(req, -1)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)

	for _, cookie := range resp.Cookies() {
		if cookie.Name == "sid" {
			c.sid = cookie.Value
		}
	}
	if token := resp.Header.Get(HeaderCsrfToken); token != "" {
		c.csrf = token
	}
	return resp, string(respBody)
}

func (c *client) login(wallet string, userId string) map[string]interface{} {
	payload, err := json.Marshal(map[string]string{"walletAddress": wallet, "userId": userId})
	require.NoError(c.t, err)
	resp, body := c.request(fiber.MethodPost, "/auth/login", string(payload), false)
	require.Equal(c.t, fiber.StatusCreated, resp.StatusCode, body)

	var result map[string]interface{}
	require.NoError(c.t, json.Unmarshal([]byte(body), &result))
	return result
}

func decodeError(t *testing.T, body string) ErrorResponse {
	var response ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(body), &response), body)
	return response
}
