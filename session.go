package agora

import (
	"context"
	"errors"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

type SessionType string

const (
	SessionTypeStandard   SessionType = "standard"
	SessionTypeWalletOnly SessionType = "wallet-only"
)

// Session is the server side session record. It is created once on login and
// passed by reference through the middleware chain.
type Session struct {
	// Id is the bearer credential carried by the session cookie. It never
	// leaves the server in a response body, log line or audit entry.
	Id                string      `json:"sessionId"`
	// PublicId names the session to clients and in the audit trail.
	PublicId          string      `json:"publicId"`
	UserId            string      `json:"userId,omitempty"`
	WalletAddress     string      `json:"walletAddress"`
	Token             string      `json:"token"`
	Type              SessionType `json:"sessionType"`
	UserAgent         string      `json:"userAgent"`
	IpAddress         string      `json:"ipAddress"`
	DeviceFingerprint string      `json:"deviceFingerprint,omitempty"`
	TrustedDevice     bool        `json:"trustedDevice"`
	CsrfToken         string      `json:"csrfToken,omitempty"`
	CsrfTokenExpiry   time.Time   `json:"csrfTokenExpiry,omitempty"`
	LastAccessed      time.Time   `json:"lastAccessed"`
	CreatedAt         time.Time   `json:"createdAt"`
	AuthenticatedAt   time.Time   `json:"authenticatedAt"`
	IsActive          bool        `json:"isActive"`
}

// UserKey identifies the principal owning the session. Wallet-only sessions
// have no user id and are grouped by wallet address.
func (s *Session) UserKey() UserKey {
	return NewUserKey(s.UserId, s.WalletAddress)
}

type SessionStats struct {
	TotalSessions int `json:"totalSessions"`
	ActiveUsers   int `json:"activeUsers"`
}

type SessionStore interface {
	// Create stores a new session record. When userKey is not empty the
	// per-user session limit is enforced first by evicting the oldest sessions.
	Create(ctx context.Context, session Session, userKey UserKey) (Session, error)

	Get(ctx context.Context, sessionId string) (Session, error)

	// Update replaces the whole record.
	Update(ctx context.Context, session Session) (Session, error)

	// Destroy removes the record only. Callers remove it from the user index.
	Destroy(ctx context.Context, sessionId string) (bool, error)

	RemoveFromUser(ctx context.Context, userKey UserKey, sessionId string) error

	// UserSessions resolves the user index, skipping records that already expired.
	UserSessions(ctx context.Context, userKey UserKey) ([]Session, error)

	// Users lists every user key with a session index.
	Users(ctx context.Context) ([]UserKey, error)

	// Stats is approximate and only meant for observability.
	Stats(ctx context.Context) (SessionStats, error)
}
