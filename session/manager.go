package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buzkaaclicker/agora"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultIdleTimeout     = time.Hour
	DefaultAbsoluteTimeout = 24 * time.Hour
)

var ErrTokenMismatch = errors.New("session token does not match session")

type Auditor interface {
	LogAuditEvent(ctx context.Context, entry agora.AuditEntry)
}

// Manager owns the session lifecycle. Create one per process and share it
// between handlers.
type Manager struct {
	Store  agora.SessionStore
	Tokens agora.TokenCodec
	Audit  Auditor

	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
	// WalletSessionTimeout replaces AbsoluteTimeout for wallet-only sessions
	// when set.
	WalletSessionTimeout time.Duration
	// RefreshThreshold is the token age after which RefreshIfStale rotates it.
	RefreshThreshold   time.Duration
	MaxSessionsPerUser int

	Now func() time.Time
}

type LoginParams struct {
	WalletAddress string
	UserId        string
	Ip            string
	UserAgent     string
	// Existing is the session the request already carried. Its id has been
	// regenerated before login so it is reused for the authenticated session.
	Existing *agora.Session
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now()
}

func (m *Manager) idleTimeout() time.Duration {
	if m.IdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return m.IdleTimeout
}

func (m *Manager) absoluteTimeout(s *agora.Session) time.Duration {
	if s.Type == agora.SessionTypeWalletOnly && m.WalletSessionTimeout > 0 {
		return m.WalletSessionTimeout
	}
	if m.AbsoluteTimeout <= 0 {
		return DefaultAbsoluteTimeout
	}
	return m.AbsoluteTimeout
}

func (m *Manager) audit(ctx context.Context, event string, s *agora.Session, metadata map[string]interface{}) {
	if m.Audit == nil {
		return
	}
	m.Audit.LogAuditEvent(ctx, agora.AuditEntry{
		Timestamp: m.now(),
		Event:     event,
		UserId:    s.UserKey().String(),
		SessionId: s.PublicId,
		Ip:        s.IpAddress,
		UserAgent: s.UserAgent,
		Metadata:  metadata,
	})
}

func (m *Manager) Login(ctx context.Context, params LoginParams) (agora.Session, error) {
	if params.WalletAddress == "" {
		return agora.Session{}, errors.New("login without wallet address")
	}
	token, err := m.Tokens.Generate(params.UserId, params.WalletAddress)
	if err != nil {
		return agora.Session{}, fmt.Errorf("generate token: %w", err)
	}

	now := m.now()
	sessionType := agora.SessionTypeWalletOnly
	if params.UserId != "" {
		sessionType = agora.SessionTypeStandard
	}
	s := agora.Session{
		Id:              uuid.New().String(),
		PublicId:        uuid.New().String(),
		UserId:          params.UserId,
		WalletAddress:   params.WalletAddress,
		Token:           token,
		Type:            sessionType,
		UserAgent:       params.UserAgent,
		IpAddress:       params.Ip,
		LastAccessed:    now,
		CreatedAt:       now,
		AuthenticatedAt: now,
		IsActive:        true,
	}

	if existing := params.Existing; existing != nil && existing.Id != "" {
		if _, err := m.Store.Destroy(ctx, existing.Id); err != nil {
			return agora.Session{}, fmt.Errorf("replace existing session: %w", err)
		}
		if err := m.Store.RemoveFromUser(ctx, existing.UserKey(), existing.Id); err != nil {
			return agora.Session{}, fmt.Errorf("replace existing session: %w", err)
		}
		s.Id = existing.Id
		if existing.UserKey() == s.UserKey() {
			s.DeviceFingerprint = existing.DeviceFingerprint
			s.TrustedDevice = existing.TrustedDevice
		}
	}

	created, err := m.Store.Create(ctx, s, s.UserKey())
	if err != nil {
		return agora.Session{}, fmt.Errorf("create session: %w", err)
	}
	m.audit(ctx, "Session created", &created, map[string]interface{}{"sessionType": created.Type})
	return created, nil
}

// Authenticate loads the session and verifies that its token still belongs to
// it. Sessions with a broken token binding are destroyed and returned along
// with ErrTokenMismatch.
func (m *Manager) Authenticate(ctx context.Context, sessionId string) (agora.Session, error) {
	s, err := m.Store.Get(ctx, sessionId)
	if err != nil {
		return agora.Session{}, err
	}
	if !s.IsActive {
		return agora.Session{}, agora.ErrSessionNotFound
	}
	payload, ok := m.Tokens.Validate(s.Token)
	if !ok || payload.WalletAddress != s.WalletAddress || payload.UserId != s.UserId {
		if err := m.Destroy(ctx, &s, "Invalid session token"); err != nil {
			return agora.Session{}, err
		}
		return s, ErrTokenMismatch
	}
	if s.PublicId == "" {
		s.PublicId = uuid.New().String()
	}
	return s, nil
}

// Regenerate moves the session to a fresh id. The old id stops working, the
// public id stays.
func (m *Manager) Regenerate(ctx context.Context, s *agora.Session) error {
	previousId := s.Id
	regenerated := *s
	regenerated.Id = uuid.New().String()

	if _, err := m.Store.Create(ctx, regenerated, regenerated.UserKey()); err != nil {
		return fmt.Errorf("store regenerated session: %w", err)
	}
	if _, err := m.Store.Destroy(ctx, previousId); err != nil {
		return fmt.Errorf("destroy previous session: %w", err)
	}
	if err := m.Store.RemoveFromUser(ctx, s.UserKey(), previousId); err != nil {
		return fmt.Errorf("remove previous session: %w", err)
	}
	*s = regenerated
	m.audit(ctx, "Session regenerated", s, nil)
	return nil
}

// Destroy removes the session from the store and the user's index and writes
// event to the audit log.
func (m *Manager) Destroy(ctx context.Context, s *agora.Session, event string) error {
	if _, err := m.Store.Destroy(ctx, s.Id); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	if err := m.Store.RemoveFromUser(ctx, s.UserKey(), s.Id); err != nil {
		return fmt.Errorf("remove session from user: %w", err)
	}
	s.IsActive = false
	m.audit(ctx, event, s, nil)
	return nil
}

// Save persists the in-flight session. Destroyed sessions are not written back.
func (m *Manager) Save(ctx context.Context, s *agora.Session) error {
	if !s.IsActive {
		return nil
	}
	if _, err := m.Store.Update(ctx, *s); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (m *Manager) RefreshToken(ctx context.Context, s *agora.Session) error {
	token, err := m.Tokens.Generate(s.UserId, s.WalletAddress)
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	s.Token = token
	if _, err := m.Store.Update(ctx, *s); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	m.audit(ctx, "Token refreshed", s, nil)
	return nil
}

// RefreshIfStale rotates the token once it is older than RefreshThreshold.
func (m *Manager) RefreshIfStale(ctx context.Context, s *agora.Session) (bool, error) {
	if m.RefreshThreshold <= 0 {
		return false, nil
	}
	payload, ok := m.Tokens.Validate(s.Token)
	if !ok {
		return false, ErrTokenMismatch
	}
	if m.now().Sub(payload.IssuedAt) < m.RefreshThreshold {
		return false, nil
	}
	if err := m.RefreshToken(ctx, s); err != nil {
		return false, err
	}
	return true, nil
}

// Expired reports whether the session outlived its idle or absolute timeout.
func (m *Manager) Expired(s *agora.Session) (string, bool) {
	now := m.now()
	if now.Sub(s.LastAccessed) > m.idleTimeout() {
		return "idle", true
	}
	if now.Sub(s.AuthenticatedAt) > m.absoluteTimeout(s) {
		return "absolute", true
	}
	return "", false
}

func (m *Manager) Touch(s *agora.Session) {
	s.LastAccessed = m.now()
}

// EnforceLimit evicts the user's oldest sessions until the limit holds again.
// The current session is never evicted.
func (m *Manager) EnforceLimit(ctx context.Context, current *agora.Session) (int, error) {
	if m.MaxSessionsPerUser <= 0 {
		return 0, nil
	}
	userKey := current.UserKey()
	if userKey == "" {
		return 0, nil
	}
	sessions, err := m.Store.UserSessions(ctx, userKey)
	if err != nil {
		return 0, fmt.Errorf("user sessions: %w", err)
	}

	evicted := 0
	excess := len(sessions) - m.MaxSessionsPerUser
	for i := 0; i < len(sessions) && excess > 0; i++ {
		if sessions[i].Id == current.Id {
			continue
		}
		if err := m.Destroy(ctx, &sessions[i], "Session evicted"); err != nil {
			return evicted, err
		}
		evicted++
		excess--
	}
	return evicted, nil
}

// AuditEviction is meant to be installed as the store's eviction hook.
func (m *Manager) AuditEviction(ctx context.Context, s agora.Session) {
	m.audit(ctx, "Session evicted", &s, map[string]interface{}{"reason": "session limit"})
}

// Revoke destroys the owner's session with the given public id. It reports
// false when the owner has no such session.
func (m *Manager) Revoke(ctx context.Context, owner *agora.Session, publicId string) (bool, error) {
	if publicId == "" {
		return false, nil
	}
	if publicId == owner.PublicId {
		return true, m.Destroy(ctx, owner, "Session destroyed")
	}
	sessions, err := m.Store.UserSessions(ctx, owner.UserKey())
	if err != nil {
		return false, fmt.Errorf("user sessions: %w", err)
	}
	for i := range sessions {
		if sessions[i].PublicId == publicId {
			return true, m.Destroy(ctx, &sessions[i], "Session revoked")
		}
	}
	return false, nil
}

// RevokeOthers destroys every session of the user except current.
func (m *Manager) RevokeOthers(ctx context.Context, current *agora.Session) (int, error) {
	sessions, err := m.Store.UserSessions(ctx, current.UserKey())
	if err != nil {
		return 0, fmt.Errorf("user sessions: %w", err)
	}
	revoked := 0
	for i := range sessions {
		if sessions[i].Id == current.Id {
			continue
		}
		if err := m.Destroy(ctx, &sessions[i], "Session revoked"); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// Sweep destroys sessions whose timeouts passed without anyone using them.
// The store TTL reaps records eventually, this only makes it timely.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	users, err := m.Store.Users(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}
	swept := 0
	for _, userKey := range users {
		sessions, err := m.Store.UserSessions(ctx, userKey)
		if err != nil {
			logrus.WithError(err).WithField("user", userKey).Warningln("Could not sweep user sessions.")
			continue
		}
		for i := range sessions {
			reason, expired := m.Expired(&sessions[i])
			if !expired {
				continue
			}
			if err := m.Destroy(ctx, &sessions[i], "Session expired ("+reason+")"); err != nil {
				return swept, err
			}
			swept++
		}
	}
	return swept, nil
}
