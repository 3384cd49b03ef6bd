package server

import (
	"context"

	"lineage/internal/models"

	"github.com/gofiber/fiber/v2"
)

// GrantCapability godoc
// @Summary Grant a capability
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param id path int true "User ID"
// @Param capability path string true "Capability name, e.g. modify_post"
// @Success 200 {object} models.User
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /admin/users/{id}/capabilities/{capability} [put]
func (s *Server) GrantCapability(c *fiber.Ctx) error {
	return s.changeCapability(c, s.userService.GrantCapability)
}

// RevokeCapability godoc
// @Summary Revoke a capability
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param id path int true "User ID"
// @Param capability path string true "Capability name"
// @Success 200 {object} models.User
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /admin/users/{id}/capabilities/{capability} [delete]
func (s *Server) RevokeCapability(c *fiber.Ctx) error {
	return s.changeCapability(c, s.userService.RevokeCapability)
}

func (s *Server) changeCapability(c *fiber.Ctx, apply func(context.Context, uint, string) (*models.User, error)) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	user, err := apply(c.UserContext(), id, c.Params("capability"))
	if err != nil {
		return s.respondServiceError(c, err)
	}
	return c.JSON(user)
}
