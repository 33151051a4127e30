package rest

import (
	"fmt"

	"github.com/buzkaaclicker/agora"
	"github.com/buzkaaclicker/agora/security"
	"github.com/buzkaaclicker/agora/session"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

type AuthController struct {
	Manager  *session.Manager
	Monitor  *security.Monitor
	Csrf     *CsrfGuard
	Validate *validator.Validate
}

func (c *AuthController) InstallTo(app *fiber.App) {
	app.Post("/auth/login", c.serveLogin)
	app.Post("/auth/logout", combineHandlers(RequireWalletAuthentication, c.serveLogout))
	app.Post("/auth/refresh", combineHandlers(RequireWalletAuthentication, c.serveRefresh))
}

type loginRequest struct {
	WalletAddress string `json:"walletAddress" validate:"required,alphanum,min=3,max=128"`
	UserId        string `json:"userId" validate:"omitempty,alphanum,max=64"`
	// Signature is accepted but not verified yet.
	Signature string `json:"signature" validate:"omitempty,max=1024"`
}

func (c *AuthController) serveLogin(ctx *fiber.Ctx) error {
	var body loginRequest
	if err := ctx.BodyParser(&body); err != nil {
		RequestLog(ctx).WithError(err).Infoln("Invalid body.")
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	userKey := agora.NewUserKey(body.UserId, body.WalletAddress)
	if err := c.Validate.Struct(&body); err != nil {
		RequestLog(ctx).WithError(err).Infoln("Invalid login payload.")
		if userKey != "" {
			if _, err := c.Monitor.RecordFailedLogin(ctx.Context(), userKey); err != nil {
				RequestLog(ctx).WithError(err).Errorln("Could not record failed login.")
			}
		}
		return &Error{Status: fiber.StatusBadRequest, Message: "Invalid login payload", Code: "INVALID_PAYLOAD"}
	}

	s, err := c.Manager.Login(ctx.Context(), session.LoginParams{
		WalletAddress: body.WalletAddress,
		UserId:        body.UserId,
		Ip:            ctx.IP(),
		UserAgent:     ctx.Get(fiber.HeaderUserAgent),
		Existing:      sessionFrom(ctx),
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := c.Monitor.ResetFailedLogins(ctx.Context(), userKey); err != nil {
		RequestLog(ctx).WithError(err).Warningln("Could not reset failed logins.")
	}
	if err := c.Csrf.Issue(ctx, &s); err != nil {
		return err
	}
	setSession(ctx, &s)

	RequestLog(ctx).WithField("user", userKey).Infoln("Logged in.")
	return ctx.Status(fiber.StatusCreated).JSON(map[string]interface{}{
		"sessionId":     s.PublicId,
		"walletAddress": s.WalletAddress,
		"userId":        s.UserId,
		"sessionType":   s.Type,
		"csrfToken":     s.CsrfToken,
	})
}

func (c *AuthController) serveLogout(ctx *fiber.Ctx) error {
	s := sessionFrom(ctx)
	if err := c.Manager.Destroy(ctx.Context(), s, "Session destroyed"); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	ctx.ClearCookie(CsrfCookieName)
	return ctx.JSON(map[string]bool{"loggedOut": true})
}

func (c *AuthController) serveRefresh(ctx *fiber.Ctx) error {
	s := sessionFrom(ctx)
	if err := c.Manager.RefreshToken(ctx.Context(), s); err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	return ctx.JSON(map[string]interface{}{
		"sessionId": s.PublicId,
		"refreshed": true,
	})
}
