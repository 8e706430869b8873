package web

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"dealflow/condition"
	"dealflow/domainerr"
)

// problem is an RFC 7807 body extended with the stable error code and, for
// E_BLOCKING_CONDITIONS, the conditions that hold the step.
type problem struct {
	*problems.Problem
	Code       domainerr.Code        `json:"code"`
	Conditions []condition.Condition `json:"conditions,omitempty"`
}

func statusFor(code domainerr.Code) int {
	switch code {
	case domainerr.CodeNotFound:
		return http.StatusNotFound
	case domainerr.CodeValidationFailed:
		return http.StatusBadRequest
	case domainerr.CodeBlockingConditions, domainerr.CodeInvalidTransition, domainerr.CodeNoActiveStep, domainerr.CodeConflict:
		return http.StatusConflict
	case domainerr.CodeBlockingCannotSkip:
		return http.StatusUnprocessableEntity
	case domainerr.CodeForbidden:
		return http.StatusForbidden
	case domainerr.CodeUnauthorized:
		return http.StatusUnauthorized
	case domainerr.CodeInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func writeProblem(c fiber.Ctx, status int, code domainerr.Code, detail string) error {
	p := problem{
		Problem: problems.NewStatusProblem(status).
			WithInstance(c.Path()).
			WithType(string(code)).
			WithDetail(detail),
		Code: code,
	}
	return c.Status(status).JSON(p, problems.ProblemMediaType)
}

func badRequest(c fiber.Ctx, detail string) error {
	return writeProblem(c, http.StatusBadRequest, domainerr.CodeValidationFailed, detail)
}

func forbidden(c fiber.Ctx, detail string) error {
	return writeProblem(c, http.StatusForbidden, domainerr.CodeForbidden, detail)
}

// handleServiceError maps a domain error to its problem response. Errors
// without a code are logged and reported without detail.
func handleServiceError(c fiber.Ctx, logger *slog.Logger, err error) error {
	code := domainerr.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(c.Context(), "request failed", "method", c.Method(), "path", c.Path(), "error", err)
		return writeProblem(c, status, domainerr.CodeInternal, "internal error")
	}

	p := problem{
		Problem: problems.NewStatusProblem(status).
			WithInstance(c.Path()).
			WithType(string(code)).
			WithDetail(domainerr.MessageOf(err)),
		Code: code,
	}
	var blocking *condition.BlockingError
	if errors.As(err, &blocking) {
		p.Conditions = blocking.Conditions
	}
	return c.Status(status).JSON(p, problems.ProblemMediaType)
}
