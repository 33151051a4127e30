package rest

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/buzkaaclicker/agora"
	"github.com/buzkaaclicker/agora/security"
	"github.com/buzkaaclicker/agora/session"
	"github.com/gofiber/fiber/v2"
)

const sessionLocalsKey = "session"

func sessionFrom(ctx *fiber.Ctx) *agora.Session {
	s, _ := ctx.Locals(sessionLocalsKey).(*agora.Session)
	return s
}

func setSession(ctx *fiber.Ctx, s *agora.Session) {
	ctx.Locals(sessionLocalsKey, s)
}

type SessionCookie struct {
	Name       string
	// MaxAge matches the idle timeout. The cookie is re-sent with every
	// response for an active session so it slides along with it.
	MaxAge     time.Duration
	Production bool
}

func (c SessionCookie) name() string {
	if c.Name == "" {
		return "sid"
	}
	return c.Name
}

func (c SessionCookie) set(ctx *fiber.Ctx, sessionId string) {
	sameSite := fiber.CookieSameSiteLaxMode
	if c.Production {
		sameSite = fiber.CookieSameSiteStrictMode
	}
	ctx.Cookie(&fiber.Cookie{
		Name:     c.name(),
		Value:    sessionId,
		Path:     "/",
		MaxAge:   int(c.MaxAge.Seconds()),
		Secure:   c.Production,
		HTTPOnly: true,
		SameSite: sameSite,
	})
}

func (c SessionCookie) clear(ctx *fiber.Ctx) {
	ctx.Cookie(&fiber.Cookie{
		Name:     c.name(),
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		Secure:   c.Production,
		HTTPOnly: true,
	})
}

// SessionLoader resolves the session cookie before the rest of the chain runs
// and persists the session once the handler returns.
type SessionLoader struct {
	Manager *session.Manager
	Monitor *security.Monitor
	Cookie  SessionCookie
}

func (l *SessionLoader) Handler() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		sessionId := ctx.Cookies(l.Cookie.name())
		if sessionId != "" {
			s, err := l.Manager.Authenticate(ctx.Context(), sessionId)
			switch {
			case err == nil:
				setSession(ctx, &s)
			case errors.Is(err, agora.ErrSessionNotFound):
				l.Cookie.clear(ctx)
			case errors.Is(err, session.ErrTokenMismatch):
				l.Cookie.clear(ctx)
				RequestLog(ctx).Warningln("Session token does not match the session.")
				_, err := l.Monitor.RecordSecurityEvent(ctx.Context(), s.UserKey(), agora.EventInvalidToken,
					agora.SeverityCritical, map[string]interface{}{"sessionId": s.PublicId, "ip": ctx.IP()})
				if err != nil {
					RequestLog(ctx).WithError(err).Errorln("Could not record security event.")
				}
				return &Error{
					Status:  fiber.StatusUnauthorized,
					Message: "Invalid session token",
					Code:    "INVALID_SESSION_TOKEN",
				}
			default:
				return fmt.Errorf("authenticate session: %w", err)
			}
		}

		err := ctx.Next()
		l.persist(ctx, sessionId)
		return err
	}
}

func (l *SessionLoader) persist(ctx *fiber.Ctx, initialId string) {
	s := sessionFrom(ctx)
	if s == nil || !s.IsActive {
		if initialId != "" {
			l.Cookie.clear(ctx)
		}
		return
	}
	if err := l.Manager.Save(ctx.Context(), s); err != nil {
		RequestLog(ctx).WithError(err).Errorln("Could not save session.")
		return
	}
	l.Cookie.set(ctx, s.Id)
}

type SessionController struct {
	Manager *session.Manager
}

func (c *SessionController) InstallTo(requestAuthorizer fiber.Handler, app *fiber.App) {
	app.Get("/session", combineHandlers(requestAuthorizer, c.serveCurrentSession))
	app.Post("/session/trust", combineHandlers(requestAuthorizer, c.serveTrustDevice))
	app.Get("/sessions", combineHandlers(requestAuthorizer, c.serveSessions))
	app.Delete("/sessions/other", combineHandlers(requestAuthorizer, c.serveDeleteOtherSessions))
	app.Delete("/sessions/:session_id", combineHandlers(requestAuthorizer, c.serveDeleteSession))
}

// return information about session without providing access
// to the session token.
type sessionMeta struct {
	Id             string            `json:"id"`
	Type           agora.SessionType `json:"sessionType"`
	Ip             string            `json:"ip"`
	UserAgent      string            `json:"userAgent"`
	TrustedDevice  bool              `json:"trustedDevice"`
	CreatedAt      int64             `json:"createdAt"`
	LastAccessedAt int64             `json:"lastAccessedAt"`
	Current        bool              `json:"current"`
}

func newSessionMeta(s *agora.Session, currentId string) sessionMeta {
	return sessionMeta{
		Id:             s.PublicId,
		Type:           s.Type,
		Ip:             s.IpAddress,
		UserAgent:      s.UserAgent,
		TrustedDevice:  s.TrustedDevice,
		CreatedAt:      s.CreatedAt.Unix(),
		LastAccessedAt: s.LastAccessed.Unix(),
		Current:        s.Id == currentId,
	}
}

func (c *SessionController) serveCurrentSession(ctx *fiber.Ctx) error {
	s := sessionFrom(ctx)
	return ctx.JSON(newSessionMeta(s, s.Id))
}

func (c *SessionController) serveTrustDevice(ctx *fiber.Ctx) error {
	s := sessionFrom(ctx)
	s.TrustedDevice = true
	if c.Manager.Audit != nil {
		c.Manager.Audit.LogAuditEvent(ctx.Context(), auditEntry(ctx, "Device trusted", s))
	}
	return ctx.JSON(newSessionMeta(s, s.Id))
}

func (c *SessionController) serveSessions(ctx *fiber.Ctx) error {
	s := sessionFrom(ctx)
	sessions, err := c.Manager.Store.UserSessions(ctx.Context(), s.UserKey())
	if err != nil {
		return fmt.Errorf("user sessions: %w", err)
	}
	metas := make([]sessionMeta, len(sessions))
	for i := range sessions {
		metas[i] = newSessionMeta(&sessions[i], s.Id)
	}
	return ctx.JSON(metas)
}

func (c *SessionController) serveDeleteSession(ctx *fiber.Ctx) error {
	encodedSessionId := ctx.Params("session_id")
	if encodedSessionId == "" {
		return fiber.NewError(fiber.StatusBadRequest, "no session id")
	}
	sessionId, err := url.PathUnescape(encodedSessionId)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid session id")
	}

	revoked, err := c.Manager.Revoke(ctx.Context(), sessionFrom(ctx), sessionId)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if !revoked {
		return fiber.NewError(fiber.StatusNotFound, "session not found")
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

func (c *SessionController) serveDeleteOtherSessions(ctx *fiber.Ctx) error {
	revoked, err := c.Manager.RevokeOthers(ctx.Context(), sessionFrom(ctx))
	if err != nil {
		return fmt.Errorf("revoke other sessions: %w", err)
	}
	return ctx.JSON(map[string]int{"revoked": revoked})
}
