package rest

import (
	"fmt"

	"github.com/buzkaaclicker/agora"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"
)

type StatusController struct {
	Sessions agora.SessionStore
}

func (c *StatusController) InstallTo(app *fiber.App) {
	app.Get("/status", monitor.New())
	app.Get("/status/sessions", c.serveSessionStats)
}

func (c *StatusController) serveSessionStats(ctx *fiber.Ctx) error {
	stats, err := c.Sessions.Stats(ctx.Context())
	if err != nil {
		return fmt.Errorf("session stats: %w", err)
	}
	return ctx.JSON(stats)
}
