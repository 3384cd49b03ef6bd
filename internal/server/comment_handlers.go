package server

import "github.com/gofiber/fiber/v2"

// ListComments godoc
// @Summary List comments
// @Description Newest first. Comments on an inactive post are hidden like the post itself.
// @Tags comments
// @Produce json
// @Param id path int true "Post ID"
// @Success 200 {array} models.Comment
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /post/{id}/comments [get]
func (s *Server) ListComments(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	v, err := s.viewer(c)
	if err != nil {
		return s.respondServiceError(c, err)
	}
	comments, err := s.commentService.ListComments(c.UserContext(), v, id)
	if err != nil {
		return s.respondServiceError(c, err)
	}
	return c.JSON(comments)
}

// CreateComment godoc
// @Summary Comment on a post
// @Description Login is not required.
// @Tags comments
// @Accept json
// @Produce json
// @Param id path int true "Post ID"
// @Param request body object{text=string} true "Comment"
// @Success 201 {object} models.Comment
// @Success 200 {object} models.ErrorResponse "field errors"
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /post/{id}/comments [post]
func (s *Server) CreateComment(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var req struct {
		Text string `json:"text" form:"text"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	v, err := s.viewer(c)
	if err != nil {
		return s.respondServiceError(c, err)
	}

	comment, err := s.commentService.CreateComment(c.UserContext(), v, id, req.Text)
	if err != nil {
		return s.respondServiceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(comment)
}
