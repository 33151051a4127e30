package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/buzkaaclicker/agora"
	"github.com/buzkaaclicker/agora/inmem"
	"github.com/buzkaaclicker/agora/mock"
	"github.com/buzkaaclicker/agora/persistent"
	"github.com/buzkaaclicker/agora/security"
	"github.com/buzkaaclicker/agora/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/buntdb"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

type testEnv struct {
	manager  *Manager
	store    *persistent.SessionStore
	codec    *token.Codec
	auditLog *inmem.AuditLog
	clock    *clock
}

func newTestEnv(t *testing.T) testEnv {
	bdb, err := buntdb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = bdb.Close()
	})
	kv := &persistent.BuntKV{Buntdb: bdb}

	tokenSealer, err := token.NewSealer("encryption key", "session-token")
	require.NoError(t, err)
	recordSealer, err := token.NewSealer("encryption key", "session-record")
	require.NoError(t, err)

	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	codec := &token.Codec{Sealer: tokenSealer, Now: c.Now}
	store := &persistent.SessionStore{KV: kv, Sealer: recordSealer, TTL: 24 * time.Hour, MaxSessionsPerUser: 5}
	auditLog := inmem.NewAuditLog()
	monitor := &security.Monitor{KV: kv, AuditLog: auditLog, Now: c.Now}

	manager := &Manager{
		Store:              store,
		Tokens:             codec,
		Audit:              monitor,
		IdleTimeout:        time.Hour,
		AbsoluteTimeout:    24 * time.Hour,
		RefreshThreshold:   15 * time.Minute,
		MaxSessionsPerUser: 5,
		Now:                c.Now,
	}
	store.OnEvict = manager.AuditEviction
	return testEnv{manager: manager, store: store, codec: codec, auditLog: auditLog, clock: c}
}

func TestLoginAndAuthenticate(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)

	s, err := env.manager.Login(ctx, LoginParams{WalletAddress: "Abc123", Ip: "10.0.0.1", UserAgent: "Firefox"})
	if !assert.NoError(err) {
		return
	}
	assert.NotEmpty(s.Id)
	assert.NotEmpty(s.PublicId)
	assert.NotEqual(s.Id, s.PublicId)
	assert.Equal(agora.SessionTypeWalletOnly, s.Type)
	assert.True(s.IsActive)
	assert.Equal(env.clock.now, s.CreatedAt)

	payload, ok := env.codec.Validate(s.Token)
	if assert.True(ok) {
		assert.Equal("Abc123", payload.WalletAddress)
	}

	authenticated, err := env.manager.Authenticate(ctx, s.Id)
	if assert.NoError(err) {
		assert.Equal(s.Id, authenticated.Id)
		assert.Equal("10.0.0.1", authenticated.IpAddress)
	}

	standard, err := env.manager.Login(ctx, LoginParams{WalletAddress: "Abc123", UserId: "42"})
	if assert.NoError(err) {
		assert.Equal(agora.SessionTypeStandard, standard.Type)
		assert.Equal(agora.UserKey("user:42"), standard.UserKey())
	}

	_, err = env.manager.Login(ctx, LoginParams{})
	assert.Error(err)

	_, err = env.manager.Authenticate(ctx, "unknown")
	assert.ErrorIs(err, agora.ErrSessionNotFound)

	assert.Equal([]string{"Session created", "Session created"}, env.auditLog.Events())
}

func TestAuthenticateBackfillsPublicId(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)

	s, err := env.manager.Login(ctx, LoginParams{WalletAddress: "Abc123"})
	if !assert.NoError(err) {
		return
	}
	s.PublicId = ""
	_, err = env.store.Update(ctx, s)
	assert.NoError(err)

	authenticated, err := env.manager.Authenticate(ctx, s.Id)
	if assert.NoError(err) {
		assert.NotEmpty(authenticated.PublicId)
		assert.NotEqual(authenticated.Id, authenticated.PublicId)
	}
}

func TestAuthenticateRejectsForeignToken(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)

	s, err := env.manager.Login(ctx, LoginParams{WalletAddress: "Abc123"})
	if !assert.NoError(err) {
		return
	}
	foreign, err := env.codec.Generate("", "Other999")
	if !assert.NoError(err) {
		return
	}
	s.Token = foreign
	_, err = env.store.Update(ctx, s)
	assert.NoError(err)

	_, err = env.manager.Authenticate(ctx, s.Id)
	assert.ErrorIs(err, ErrTokenMismatch)

	_, err = env.store.Get(ctx, s.Id)
	assert.ErrorIs(err, agora.ErrSessionNotFound)
	assert.Contains(env.auditLog.Events(), "Invalid session token")
}

func TestTokenCodecFailures(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)

	env.manager.Tokens = mock.TokenCodec{
		GenerateFn: func(userId string, walletAddress string) (string, error) {
			return "", errors.New("no entropy")
		},
	}
	_, err := env.manager.Login(ctx, LoginParams{WalletAddress: "Abc123"})
	assert.Error(err)
	assert.Empty(env.auditLog.Events())

	env.manager.Tokens = mock.TokenCodec{
		GenerateFn: func(userId string, walletAddress string) (string, error) {
			return "opaque", nil
		},
		ValidateFn: func(token string) (agora.TokenPayload, bool) {
			return agora.TokenPayload{}, false
		},
	}
	s, err := env.manager.Login(ctx, LoginParams{WalletAddress: "Abc123"})
	if !assert.NoError(err) {
		return
	}
	assert.Equal("opaque", s.Token)

	destroyed, err := env.manager.Authenticate(ctx, s.Id)
	assert.ErrorIs(err, ErrTokenMismatch)
	assert.Equal(s.Id, destroyed.Id)
	assert.False(destroyed.IsActive)

	_, err = env.manager.RefreshIfStale(ctx, &s)
	assert.ErrorIs(err, ErrTokenMismatch)
}

func TestRegenerate(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)

	s, err := env.manager.Login(ctx, LoginParams{WalletAddress: "Abc123"})
	if !assert.NoError(err) {
		return
	}
	previousId := s.Id
	publicId := s.PublicId
	if !assert.NoError(env.manager.Regenerate(ctx, &s)) {
		return
	}
	assert.NotEqual(previousId, s.Id)
	assert.Equal(publicId, s.PublicId)

	_, err = env.store.Get(ctx, previousId)
	assert.ErrorIs(err, agora.ErrSessionNotFound)

	sessions, err := env.store.UserSessions(ctx, s.UserKey())
	if assert.NoError(err) && assert.Equal(1, len(sessions)) {
		assert.Equal(s.Id, sessions[0].Id)
		assert.Equal(s.Token, sessions[0].Token)
	}

	// login on top of a regenerated session keeps the new id
	relogged, err := env.manager.Login(ctx, LoginParams{WalletAddress: "Abc123", Existing: &s})
	if assert.NoError(err) {
		assert.Equal(s.Id, relogged.Id)
		assert.NotEqual(s.Token, relogged.Token)
	}
	sessions, err = env.store.UserSessions(ctx, s.UserKey())
	if assert.NoError(err) {
		assert.Equal(1, len(sessions))
	}
}

func TestRefreshIfStale(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)

	s, err := env.manager.Login(ctx, LoginParams{WalletAddress: "Abc123"})
	if !assert.NoError(err) {
		return
	}
	initialToken := s.Token

	env.clock.now = env.clock.now.Add(5 * time.Minute)
	refreshed, err := env.manager.RefreshIfStale(ctx, &s)
	assert.NoError(err)
	assert.False(refreshed)

	env.clock.now = env.clock.now.Add(15 * time.Minute)
	refreshed, err = env.manager.RefreshIfStale(ctx, &s)
	assert.NoError(err)
	assert.True(refreshed)
	assert.NotEqual(initialToken, s.Token)

	stored, err := env.store.Get(ctx, s.Id)
	if assert.NoError(err) {
		assert.Equal(s.Token, stored.Token)
	}
	assert.Contains(env.auditLog.Events(), "Token refreshed")
}

func TestExpired(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)
	env.manager.WalletSessionTimeout = 2 * time.Hour
	now := env.clock.now

	s := agora.Session{Type: agora.SessionTypeStandard, LastAccessed: now, AuthenticatedAt: now}
	_, expired := env.manager.Expired(&s)
	assert.False(expired)

	s.LastAccessed = now.Add(-time.Hour - time.Millisecond)
	reason, expired := env.manager.Expired(&s)
	assert.True(expired)
	assert.Equal("idle", reason)

	s.LastAccessed = now
	s.AuthenticatedAt = now.Add(-3 * time.Hour)
	_, expired = env.manager.Expired(&s)
	assert.False(expired)

	s.Type = agora.SessionTypeWalletOnly
	reason, expired = env.manager.Expired(&s)
	assert.True(expired)
	assert.Equal("absolute", reason)
}

func TestEnforceLimitKeepsCurrentSession(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	env.store.MaxSessionsPerUser = 10

	var sessions []agora.Session
	for i := 0; i < 4; i++ {
		s, err := env.manager.Login(ctx, LoginParams{WalletAddress: "Abc123"})
		if !assert.NoError(err) {
			return
		}
		sessions = append(sessions, s)
		env.clock.now = env.clock.now.Add(time.Second)
	}

	env.manager.MaxSessionsPerUser = 2
	current := sessions[0]
	evicted, err := env.manager.EnforceLimit(ctx, &current)
	if !assert.NoError(err) {
		return
	}
	assert.Equal(2, evicted)

	remaining, err := env.store.UserSessions(ctx, current.UserKey())
	if assert.NoError(err) && assert.Equal(2, len(remaining)) {
		assert.Equal(sessions[0].Id, remaining[0].Id)
		assert.Equal(sessions[3].Id, remaining[1].Id)
	}
}

func TestStoreEvictionIsAudited(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	env.store.MaxSessionsPerUser = 1

	first, err := env.manager.Login(ctx, LoginParams{WalletAddress: "Abc123"})
	assert.NoError(err)
	env.clock.now = env.clock.now.Add(time.Second)
	_, err = env.manager.Login(ctx, LoginParams{WalletAddress: "Abc123"})
	assert.NoError(err)

	entries := env.auditLog.Entries()
	if assert.Equal(3, len(entries)) {
		assert.Equal("Session evicted", entries[1].Event)
		assert.Equal(first.PublicId, entries[1].SessionId)
		assert.NotEqual(first.Id, entries[1].SessionId)
	}
}

func TestRevoke(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)

	mine, err := env.manager.Login(ctx, LoginParams{WalletAddress: "Abc123"})
	assert.NoError(err)
	other, err := env.manager.Login(ctx, LoginParams{WalletAddress: "Abc123"})
	assert.NoError(err)
	third, err := env.manager.Login(ctx, LoginParams{WalletAddress: "Abc123"})
	assert.NoError(err)
	foreign, err := env.manager.Login(ctx, LoginParams{WalletAddress: "Zzz999"})
	assert.NoError(err)

	revoked, err := env.manager.Revoke(ctx, &mine, foreign.PublicId)
	assert.NoError(err)
	assert.False(revoked)

	revoked, err = env.manager.Revoke(ctx, &mine, "unknown")
	assert.NoError(err)
	assert.False(revoked)

	// the cookie credential is not a handle
	revoked, err = env.manager.Revoke(ctx, &mine, other.Id)
	assert.NoError(err)
	assert.False(revoked)

	revoked, err = env.manager.Revoke(ctx, &mine, other.PublicId)
	assert.NoError(err)
	assert.True(revoked)
	_, err = env.store.Get(ctx, other.Id)
	assert.ErrorIs(err, agora.ErrSessionNotFound)

	count, err := env.manager.RevokeOthers(ctx, &mine)
	assert.NoError(err)
	assert.Equal(1, count)
	_, err = env.store.Get(ctx, third.Id)
	assert.ErrorIs(err, agora.ErrSessionNotFound)
	_, err = env.store.Get(ctx, mine.Id)
	assert.NoError(err)
	_, err = env.store.Get(ctx, foreign.Id)
	assert.NoError(err)
}

func TestSweep(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)

	stale, err := env.manager.Login(ctx, LoginParams{WalletAddress: "Abc123"})
	assert.NoError(err)
	env.clock.now = env.clock.now.Add(50 * time.Minute)
	fresh, err := env.manager.Login(ctx, LoginParams{WalletAddress: "Zzz999"})
	assert.NoError(err)
	env.clock.now = env.clock.now.Add(20 * time.Minute)

	swept, err := env.manager.Sweep(ctx)
	if assert.NoError(err) {
		assert.Equal(1, swept)
	}
	_, err = env.store.Get(ctx, stale.Id)
	assert.ErrorIs(err, agora.ErrSessionNotFound)
	_, err = env.store.Get(ctx, fresh.Id)
	assert.NoError(err)
	assert.Contains(env.auditLog.Events(), "Session expired (idle)")
}

func TestSaveSkipsDestroyedSessions(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)

	s, err := env.manager.Login(ctx, LoginParams{WalletAddress: "Abc123"})
	if !assert.NoError(err) {
		return
	}
	assert.NoError(env.manager.Destroy(ctx, &s, "Session destroyed"))
	assert.False(s.IsActive)
	assert.NoError(env.manager.Save(ctx, &s))

	_, err = env.store.Get(ctx, s.Id)
	assert.ErrorIs(err, agora.ErrSessionNotFound)
}
