package web

import (
	"context"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"

	"dealflow/auth"
	"dealflow/domainerr"
	"dealflow/logging"
)

type localsKey int

const identityKey localsKey = iota

// RequireAuth verifies the bearer token and stores the caller's identity for
// the handlers.
func (h *APIHandlers) RequireAuth(c fiber.Ctx) error {
	token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return writeProblem(c, http.StatusUnauthorized, domainerr.CodeUnauthorized, "missing bearer token")
	}
	id, err := h.auth.VerifyToken(strings.TrimSpace(token))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	c.Locals(identityKey, id)
	return c.Next()
}

func identityOf(c fiber.Ctx) auth.Identity {
	id, _ := c.Locals(identityKey).(auth.Identity)
	return id
}

// requestContext carries the caller into the logging context.
func requestContext(c fiber.Ctx) context.Context {
	return logging.WithActor(c.Context(), identityOf(c).UserID)
}
