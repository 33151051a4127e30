package rest

import (
	"github.com/gofiber/fiber/v2"
)

type ProfileController struct{}

func (c *ProfileController) InstallTo(app *fiber.App) {
	app.Get("/profile", combineHandlers(RequireWalletAuthentication, c.serveProfile))
	app.Get("/profile/account", combineHandlers(RequireAuthenticatedSession, c.serveProfile))
}

func (c *ProfileController) serveProfile(ctx *fiber.Ctx) error {
	s := sessionFrom(ctx)

	type ProfileResponse struct {
		SessionId       string `json:"sessionId"`
		UserId          string `json:"userId,omitempty"`
		WalletAddress   string `json:"walletAddress"`
		SessionType     string `json:"sessionType"`
		TrustedDevice   bool   `json:"trustedDevice"`
		AuthenticatedAt int64  `json:"authenticatedAt"`
	}
	return ctx.JSON(ProfileResponse{
		SessionId:       s.PublicId,
		UserId:          s.UserId,
		WalletAddress:   s.WalletAddress,
		SessionType:     string(s.Type),
		TrustedDevice:   s.TrustedDevice,
		AuthenticatedAt: s.AuthenticatedAt.Unix(),
	})
}
