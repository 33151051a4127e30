package rest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/buzkaaclicker/agora"
	"github.com/buzkaaclicker/agora/security"
	"github.com/buzkaaclicker/agora/session"
	"github.com/gofiber/fiber/v2"
)

// StatusSessionExpired is returned when a session outlived its timeout.
const StatusSessionExpired = 440

var loginPaths = []string{"/auth/login", "/api/auth/login"}

type stage func(ctx *fiber.Ctx, s *agora.Session) error

// SecurityChain runs the session security checks in a fixed order. Any
// stage may end the request. Without a session only the rate limit applies.
type SecurityChain struct {
	Manager       *session.Manager
	Monitor       *security.Monitor
	Fingerprinter *security.Fingerprinter
	// Locations is optional. Location monitoring is off without it.
	Locations *security.LocationTracker
	Limiter   *security.RateLimiter
}

func (c *SecurityChain) Handler() fiber.Handler {
	stages := []stage{
		c.preventFixation,
		c.validateFingerprint,
		c.monitorLocation,
		c.detectHijacking,
		c.enforceTimeout,
		c.limitConcurrentSessions,
	}
	return func(ctx *fiber.Ctx) error {
		if s := sessionFrom(ctx); s != nil && s.IsActive && isLoginRequest(ctx) {
			if err := c.discardExpired(ctx, s); err != nil {
				return err
			}
		}
		if s := sessionFrom(ctx); s != nil && s.IsActive {
			for _, stage := range stages {
				if err := stage(ctx, s); err != nil {
					return err
				}
			}
		}
		if err := c.limitRate(ctx, sessionFrom(ctx)); err != nil {
			return err
		}
		return ctx.Next()
	}
}

func isLoginRequest(ctx *fiber.Ctx) bool {
	if ctx.Method() != fiber.MethodPost {
		return false
	}
	for _, loginPath := range loginPaths {
		if ctx.Path() == loginPath {
			return true
		}
	}
	return false
}

// discardExpired destroys an expired session ahead of a login. The login then
// runs without a session.
func (c *SecurityChain) discardExpired(ctx *fiber.Ctx, s *agora.Session) error {
	reason, expired := c.Manager.Expired(s)
	if !expired {
		return nil
	}
	if err := c.Manager.Destroy(ctx.Context(), s, "Session expired ("+reason+")"); err != nil {
		return fmt.Errorf("destroy expired session: %w", err)
	}
	setSession(ctx, nil)
	return nil
}

// preventFixation moves the session to a fresh id before a login is handled.
// A failed regeneration is logged and the request continues.
func (c *SecurityChain) preventFixation(ctx *fiber.Ctx, s *agora.Session) error {
	if !isLoginRequest(ctx) {
		return nil
	}
	if err := c.Manager.Regenerate(ctx.Context(), s); err != nil {
		RequestLog(ctx).WithError(err).Errorln("Could not regenerate session before login.")
	}
	return nil
}

func fingerprintInput(ctx *fiber.Ctx) security.FingerprintInput {
	return security.FingerprintInput{
		UserAgent:      ctx.Get(fiber.HeaderUserAgent),
		AcceptLanguage: ctx.Get(fiber.HeaderAcceptLanguage),
		AcceptEncoding: ctx.Get(fiber.HeaderAcceptEncoding),
		Accept:         ctx.Get(fiber.HeaderAccept),
		Ip:             ctx.IP(),
	}
}

func (c *SecurityChain) validateFingerprint(ctx *fiber.Ctx, s *agora.Session) error {
	current := c.Fingerprinter.Compute(fingerprintInput(ctx))
	if s.DeviceFingerprint == "" {
		s.DeviceFingerprint = current
		s.TrustedDevice = false
		return nil
	}

	similarity, ok := c.Fingerprinter.Matches(s.DeviceFingerprint, current)
	if ok {
		return nil
	}
	if s.TrustedDevice {
		RequestLog(ctx).
			WithField("similarity", similarity).
			Infoln("Fingerprint changed on trusted device.")
		return nil
	}
	c.terminate(ctx, s, "Device fingerprint mismatch", agora.EventDeviceMismatch,
		map[string]interface{}{"similarity": similarity})
	return &Error{
		Status:  fiber.StatusUnauthorized,
		Message: "Device verification failed",
		Code:    "DEVICE_MISMATCH",
	}
}

func (c *SecurityChain) monitorLocation(ctx *fiber.Ctx, s *agora.Session) error {
	if c.Locations == nil {
		return nil
	}
	country := ctx.Get("CF-IPCountry")
	if country == "" {
		country = ctx.Get("X-Country-Code")
	}
	if _, err := c.Locations.Track(ctx.Context(), s.UserKey(), ctx.IP(), strings.ToUpper(country)); err != nil {
		RequestLog(ctx).WithError(err).Warningln("Could not track location.")
	}
	return nil
}

func (c *SecurityChain) detectHijacking(ctx *fiber.Ctx, s *agora.Session) error {
	userAgent := ctx.Get(fiber.HeaderUserAgent)
	ip := ctx.IP()
	if s.UserAgent == userAgent && s.IpAddress == ip {
		return nil
	}
	c.terminate(ctx, s, "Hijacking detected", agora.EventSessionHijacked, map[string]interface{}{
		"expectedIp":        s.IpAddress,
		"expectedUserAgent": s.UserAgent,
	})
	return &Error{
		Status:  fiber.StatusUnauthorized,
		Message: "Session hijacking detected",
		Code:    "SESSION_HIJACKED",
	}
}

func (c *SecurityChain) enforceTimeout(ctx *fiber.Ctx, s *agora.Session) error {
	if reason, expired := c.Manager.Expired(s); expired {
		if err := c.Manager.Destroy(ctx.Context(), s, "Session expired ("+reason+")"); err != nil {
			return fmt.Errorf("destroy expired session: %w", err)
		}
		return &Error{Status: StatusSessionExpired, Message: "Session expired", Code: "SESSION_EXPIRED"}
	}
	c.Manager.Touch(s)
	if _, err := c.Manager.RefreshIfStale(ctx.Context(), s); err != nil {
		RequestLog(ctx).WithError(err).Warningln("Could not refresh session token.")
	}
	return nil
}

func (c *SecurityChain) limitConcurrentSessions(ctx *fiber.Ctx, s *agora.Session) error {
	evicted, err := c.Manager.EnforceLimit(ctx.Context(), s)
	if err != nil {
		return fmt.Errorf("enforce session limit: %w", err)
	}
	if evicted > 0 {
		RequestLog(ctx).WithField("evicted", evicted).Infoln("Evicted sessions over the limit.")
	}
	return nil
}

func (c *SecurityChain) limitRate(ctx *fiber.Ctx, s *agora.Session) error {
	if c.Limiter == nil {
		return nil
	}
	identifier := ctx.IP()
	if s != nil && s.IsActive {
		identifier += "|" + s.UserKey().String()
	}
	result, err := c.Limiter.Hit(ctx.Context(), identifier)
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if result.Allowed {
		return nil
	}

	if s != nil && s.IsActive && result.Violations > 0 {
		_, err := c.Monitor.ReportSecurityEvent(ctx.Context(), s.UserKey(), agora.EventRateLimitExceeded,
			agora.SeverityWarning, map[string]interface{}{
				"sessionId":  s.PublicId,
				"ip":         ctx.IP(),
				"userAgent":  ctx.Get(fiber.HeaderUserAgent),
				"violations": result.Violations,
				"retryAfter": result.RetryAfter,
			})
		if err != nil {
			RequestLog(ctx).WithError(err).Errorln("Could not report rate limit violation.")
		}
	} else {
		c.Monitor.LogAuditEvent(ctx.Context(), auditEntry(ctx, "Rate limit exceeded", s))
	}

	ctx.Set(fiber.HeaderRetryAfter, strconv.Itoa(result.RetryAfter))
	return &Error{
		Status:     fiber.StatusTooManyRequests,
		Message:    "Too many requests",
		Code:       "RATE_LIMIT_EXCEEDED",
		RetryAfter: result.RetryAfter,
	}
}

// terminate destroys the session after an integrity failure. Destroying
// writes the audit entry, the event only goes to the user's history.
func (c *SecurityChain) terminate(ctx *fiber.Ctx, s *agora.Session, event string, eventType agora.EventType,
	metadata map[string]interface{}) {
	log := RequestLog(ctx).WithField("event", event)
	if err := c.Manager.Destroy(ctx.Context(), s, event); err != nil {
		log.WithError(err).Errorln("Could not destroy session.")
	}
	metadata["sessionId"] = s.PublicId
	metadata["ip"] = ctx.IP()
	metadata["userAgent"] = ctx.Get(fiber.HeaderUserAgent)
	if _, err := c.Monitor.RecordSecurityEvent(ctx.Context(), s.UserKey(), eventType, agora.SeverityCritical, metadata); err != nil {
		log.WithError(err).Errorln("Could not record security event.")
	}
	log.Warningln("Session terminated.")
}
