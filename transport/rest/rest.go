package rest

import (
	"encoding/json"
	"errors"

	"github.com/buzkaaclicker/agora"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Error is an error with a stable machine readable code.
type Error struct {
	Status     int
	Message    string
	Code       string
	RetryAfter int
}

func (e *Error) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func RequestLog(ctx *fiber.Ctx) *logrus.Entry {
	entry := logrus.
		WithField("remote_addr", ctx.IP()).
		WithField("method", ctx.Method()).
		WithField("path", ctx.Path()).
		WithField("z_referer", ctx.Get(fiber.HeaderReferer)).
		WithField("z_user_agent", ctx.Get(fiber.HeaderUserAgent)).
		WithField("z_x_forwared_for", ctx.Get(fiber.HeaderXForwardedFor))
	if s := sessionFrom(ctx); s != nil {
		entry = entry.WithField("session_id", s.PublicId)
	}
	return entry
}

func ErrorHandler(ctx *fiber.Ctx, err error) error {
	var re *Error
	var fe *fiber.Error
	switch {
	case errors.As(err, &re):
		return ctx.
			Status(re.Status).
			JSON(&ErrorResponse{Error: re.Message, Code: re.Code, RetryAfter: re.RetryAfter})
	case errors.As(err, &fe):
		return ctx.
			Status(fe.Code).
			JSON(&ErrorResponse{Error: fe.Message})
	default:
		RequestLog(ctx).WithError(err).Errorln("Internal server error.")
		// keep internal server errors private. reply with generic error message.
		return ctx.
			Status(fiber.StatusInternalServerError).
			JSON(&ErrorResponse{Error: fiber.ErrInternalServerError.Message})
	}
}

func NotFoundHandler(c *fiber.Ctx) error {
	return fiber.NewError(fiber.StatusNotFound)
}

func LogHandler() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		RequestLog(ctx).Debugln("Handling request.")
		return ctx.Next()
	}
}

func combineHandlers(handlers ...fiber.Handler) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		for _, handler := range handlers {
			err := handler(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	}
}

func JsonErrorMessageResponse(message string, code string) string {
	bytes, err := json.Marshal(ErrorResponse{Error: message, Code: code})
	if err != nil {
		panic(err)
	}
	return string(bytes)
}

// auditEntry describes the request for the audit log.
func auditEntry(ctx *fiber.Ctx, event string, s *agora.Session) agora.AuditEntry {
	entry := agora.AuditEntry{
		Event:     event,
		Ip:        ctx.IP(),
		UserAgent: ctx.Get(fiber.HeaderUserAgent),
	}
	if s != nil {
		entry.UserId = s.UserKey().String()
		entry.SessionId = s.PublicId
	}
	return entry
}
