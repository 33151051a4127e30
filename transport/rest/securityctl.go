package rest

import (
	"fmt"

	"github.com/buzkaaclicker/agora"
	"github.com/buzkaaclicker/agora/security"
	"github.com/gofiber/fiber/v2"
)

const defaultAuditPageSize = 50

type SecurityController struct {
	Monitor *security.Monitor
	// AuditReader is optional, the audit endpoint is only installed with it.
	AuditReader agora.AuditReader
}

func (c *SecurityController) InstallTo(requestAuthorizer fiber.Handler, app *fiber.App) {
	app.Get("/security/events", combineHandlers(requestAuthorizer, c.serveEvents))
	app.Get("/security/risk", combineHandlers(requestAuthorizer, c.serveRisk))
	if c.AuditReader != nil {
		app.Get("/security/audit", combineHandlers(requestAuthorizer, c.serveAudit))
	}
}

func (c *SecurityController) serveEvents(ctx *fiber.Ctx) error {
	events, err := c.Monitor.SecurityEvents(ctx.Context(), sessionFrom(ctx).UserKey())
	if err != nil {
		return fmt.Errorf("security events: %w", err)
	}
	return ctx.JSON(events)
}

func (c *SecurityController) serveRisk(ctx *fiber.Ctx) error {
	s := sessionFrom(ctx)
	risk, err := c.Monitor.CalculateSessionRisk(ctx.Context(), s.UserKey(), s.PublicId)
	if err != nil {
		return fmt.Errorf("calculate session risk: %w", err)
	}
	return ctx.JSON(risk)
}

func (c *SecurityController) serveAudit(ctx *fiber.Ctx) error {
	beforeId := int64(ctx.QueryInt("before", -1))
	limit := ctx.QueryInt("limit", defaultAuditPageSize)
	if limit <= 0 || limit > 100 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid limit")
	}

	entries, err := c.AuditReader.ByUserId(ctx.Context(), sessionFrom(ctx).UserKey().String(), beforeId, int32(limit))
	if err != nil {
		return fmt.Errorf("audit entries by user id: %w", err)
	}

	type Entry struct {
		Id        int64                  `json:"id"`
		CreatedAt int64                  `json:"createdAt"`
		Event     string                 `json:"event"`
		SessionId string                 `json:"sessionId,omitempty"`
		Ip        string                 `json:"ip,omitempty"`
		UserAgent string                 `json:"userAgent,omitempty"`
		Metadata  map[string]interface{} `json:"metadata,omitempty"`
	}
	mapped := make([]Entry, len(entries))
	for i, entry := range entries {
		mapped[i] = Entry{
			Id:        entry.Id,
			CreatedAt: entry.Timestamp.Unix(),
			Event:     entry.Event,
			SessionId: entry.SessionId,
			Ip:        entry.Ip,
			UserAgent: entry.UserAgent,
			Metadata:  entry.Metadata,
		}
	}
	return ctx.JSON(mapped)
}
