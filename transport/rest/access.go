package rest

import (
	"github.com/buzkaaclicker/agora"
	"github.com/gofiber/fiber/v2"
)

var (
	errAuthRequired = &Error{
		Status:  fiber.StatusUnauthorized,
		Message: "Authentication required",
		Code:    "AUTH_REQUIRED",
	}
	errFullAuthRequired = &Error{
		Status:  fiber.StatusForbidden,
		Message: "Full authentication required",
		Code:    "FULL_AUTH_REQUIRED",
	}
)

// RequireWalletAuthentication lets through any live session bound to a wallet.
func RequireWalletAuthentication(ctx *fiber.Ctx) error {
	s := sessionFrom(ctx)
	if s == nil || !s.IsActive || s.WalletAddress == "" {
		return errAuthRequired
	}
	return nil
}

// RequireAuthenticatedSession additionally rejects wallet-only sessions.
func RequireAuthenticatedSession(ctx *fiber.Ctx) error {
	s := sessionFrom(ctx)
	if s == nil || !s.IsActive {
		return errAuthRequired
	}
	if s.Type == agora.SessionTypeWalletOnly || s.UserId == "" {
		return errFullAuthRequired
	}
	return nil
}
