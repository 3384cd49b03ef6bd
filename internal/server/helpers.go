package server

import (
	"errors"
	"log/slog"

	"lineage/internal/middleware"
	"lineage/internal/models"
	"lineage/internal/service"

	"github.com/gofiber/fiber/v2"
)

// errResponseWritten signals that a helper already committed the response.
// Handlers return nil when they see it so the ErrorHandler does not overwrite
// the body.
var errResponseWritten = errors.New("response already written")

// parseID extracts a route parameter as a positive uint. On failure it writes
// a 400 response and returns errResponseWritten.
func (s *Server) parseID(c *fiber.Ctx, param string) (uint, error) {
	id, err := c.ParamsInt(param)
	if err != nil || id <= 0 {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid "+param))
		return 0, errResponseWritten
	}
	return uint(id), nil
}

// parsePage reads the 1-based ?page= parameter. Missing, malformed and
// non-positive values all mean the first page; larger values stop at
// service.MaxPage.
func parsePage(c *fiber.Ctx) int {
	page := c.QueryInt("page", 1)
	switch {
	case page < 1:
		return 1
	case page > service.MaxPage:
		return service.MaxPage
	}
	return page
}

// badRequest reports a body that could not be decoded at all.
func badRequest(c *fiber.Ctx, message string) error {
	return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError(message))
}

// statusFor maps service error codes onto HTTP statuses. Field validation
// re-renders the submitted form, so it answers 200 with the field errors.
func statusFor(code string) int {
	switch code {
	case models.CodeValidation:
		return fiber.StatusOK
	case models.CodeNotFound:
		return fiber.StatusNotFound
	case models.CodeUnauthorized:
		return fiber.StatusUnauthorized
	case models.CodeForbidden, models.CodeAccessDenied:
		return fiber.StatusForbidden
	default:
		return fiber.StatusInternalServerError
	}
}

// httpCode names the error code used for bare fiber errors.
func httpCode(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return models.CodeNotFound
	case fiber.StatusUnauthorized:
		return models.CodeUnauthorized
	case fiber.StatusForbidden:
		return models.CodeForbidden
	case fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge:
		return models.CodeValidation
	case fiber.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	default:
		return models.CodeInternal
	}
}

// respondServiceError renders a service-layer error.
func (s *Server) respondServiceError(c *fiber.Ctx, err error) error {
	var appErr *models.AppError
	if !errors.As(err, &appErr) {
		appErr = models.NewInternalError(err)
	}
	status := statusFor(appErr.Code)
	if status == fiber.StatusInternalServerError {
		middleware.Logger.ErrorContext(c.UserContext(), "request failed",
			slog.String("path", c.Path()), slog.String("error", err.Error()))
	}
	return models.RespondWithError(c, status, appErr)
}
