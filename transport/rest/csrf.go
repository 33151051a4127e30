package rest

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/buzkaaclicker/agora"
	"github.com/buzkaaclicker/agora/session"
	"github.com/gofiber/fiber/v2"
)

const (
	HeaderCsrfToken = "X-CSRF-Token"
	CsrfCookieName  = "csrf-token"

	DefaultCsrfTokenLength = 32
	DefaultCsrfTokenExpiry = 24 * time.Hour
)

var csrfExemptPrefixes = []string{"/auth/", "/api/auth/"}

// CsrfGuard implements the double submit cookie pattern for requests that
// carry a session.
type CsrfGuard struct {
	TokenLength int
	Expiry      time.Duration
	Production  bool
	Audit       session.Auditor
	Now         func() time.Time
}

func (g *CsrfGuard) now() time.Time {
	if g.Now == nil {
		return time.Now().UTC()
	}
	return g.Now()
}

func (g *CsrfGuard) expiry() time.Duration {
	if g.Expiry <= 0 {
		return DefaultCsrfTokenExpiry
	}
	return g.Expiry
}

func (g *CsrfGuard) Handler() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		s := sessionFrom(ctx)
		if s == nil || !s.IsActive {
			return ctx.Next()
		}

		switch ctx.Method() {
		case fiber.MethodGet:
			if err := g.Issue(ctx, s); err != nil {
				return err
			}
			return ctx.Next()
		case fiber.MethodHead, fiber.MethodOptions:
			return ctx.Next()
		}
		if csrfExempt(ctx.Path()) {
			return ctx.Next()
		}

		if err := g.validate(ctx, s); err != nil {
			if g.Audit != nil {
				entry := auditEntry(ctx, "CSRF validation failed", s)
				entry.Metadata = map[string]interface{}{"code": err.Code}
				g.Audit.LogAuditEvent(ctx.Context(), entry)
			}
			return err
		}

		if err := ctx.Next(); err != nil {
			return err
		}
		if ctx.Response().StatusCode() < fiber.StatusBadRequest && s.IsActive {
			return g.Issue(ctx, s)
		}
		return nil
	}
}

// Issue generates a fresh token for the session and hands it to the client.
func (g *CsrfGuard) Issue(ctx *fiber.Ctx, s *agora.Session) error {
	length := g.TokenLength
	if length <= 0 {
		length = DefaultCsrfTokenLength
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("csrf token generate: %w", err)
	}
	expiry := g.expiry()
	s.CsrfToken = hex.EncodeToString(buf)
	s.CsrfTokenExpiry = g.now().Add(expiry)

	// readable by scripts, the client echoes it back in the header.
	ctx.Cookie(&fiber.Cookie{
		Name:     CsrfCookieName,
		Value:    s.CsrfToken,
		Path:     "/",
		MaxAge:   int(expiry.Seconds()),
		Secure:   g.Production,
		HTTPOnly: false,
		SameSite: fiber.CookieSameSiteStrictMode,
	})
	ctx.Set(HeaderCsrfToken, s.CsrfToken)
	return nil
}

func (g *CsrfGuard) validate(ctx *fiber.Ctx, s *agora.Session) *Error {
	submitted := submittedCsrfToken(ctx)
	if submitted == "" {
		return &Error{Status: fiber.StatusForbidden, Message: "CSRF token missing", Code: "CSRF_TOKEN_MISSING"}
	}
	if s.CsrfToken == "" || subtle.ConstantTimeCompare([]byte(submitted), []byte(s.CsrfToken)) != 1 {
		return &Error{Status: fiber.StatusForbidden, Message: "Invalid CSRF token", Code: "CSRF_TOKEN_INVALID"}
	}
	if g.now().After(s.CsrfTokenExpiry) {
		return &Error{Status: fiber.StatusForbidden, Message: "CSRF token expired", Code: "CSRF_TOKEN_EXPIRED"}
	}
	return nil
}

func csrfExempt(path string) bool {
	for _, prefix := range csrfExemptPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func submittedCsrfToken(ctx *fiber.Ctx) string {
	if token := ctx.Get(HeaderCsrfToken); token != "" {
		return token
	}
	if token := ctx.Request().PostArgs().Peek("_csrf"); len(token) > 0 {
		return string(token)
	}
	if strings.HasPrefix(ctx.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		var body struct {
			Csrf string `json:"_csrf"`
		}
		if err := json.Unmarshal(ctx.Body(), &body); err == nil {
			return body.Csrf
		}
	}
	return ""
}
