package rest

import (
	"time"

	"github.com/buzkaaclicker/agora"
	"github.com/buzkaaclicker/agora/security"
	"github.com/buzkaaclicker/agora/session"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

type ApiConfig struct {
	Manager     *session.Manager
	Monitor     *security.Monitor
	Chain       *SecurityChain
	Csrf        *CsrfGuard
	Cookie      SessionCookie
	AuditReader agora.AuditReader
	// Middlewares run before the session is loaded (cors etc.).
	Middlewares []fiber.Handler
}

// NewApi builds the api application. Mount it under "/api/".
func NewApi(config ApiConfig) *fiber.App {
	api := fiber.New(fiber.Config{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		ErrorHandler: ErrorHandler,
		// sessions and audit entries keep request values after the handler returns.
		Immutable: true,
	})
	for _, middleware := range config.Middlewares {
		api.Use(middleware)
	}
	api.Use(LogHandler())

	loader := &SessionLoader{Manager: config.Manager, Monitor: config.Monitor, Cookie: config.Cookie}
	api.Use(loader.Handler())
	api.Use(config.Chain.Handler())
	api.Use(config.Csrf.Handler())

	authController := AuthController{
		Manager:  config.Manager,
		Monitor:  config.Monitor,
		Csrf:     config.Csrf,
		Validate: validator.New(),
	}
	profileController := ProfileController{}
	sessionController := SessionController{Manager: config.Manager}
	securityController := SecurityController{Monitor: config.Monitor, AuditReader: config.AuditReader}
	statusController := StatusController{Sessions: config.Manager.Store}

	statusController.InstallTo(api)
	authController.InstallTo(api)
	profileController.InstallTo(api)
	sessionController.InstallTo(RequireWalletAuthentication, api)
	securityController.InstallTo(RequireWalletAuthentication, api)
	return api
}
