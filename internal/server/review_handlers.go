package server

import (
	"strconv"
	"strings"

	"lineage/internal/models"
	"lineage/internal/service"

	"github.com/gofiber/fiber/v2"
)

// looseNumber takes a JSON number, a JSON string or a form value, so that a
// rating like "five" reaches validation instead of failing the decode.
type looseNumber string

func (n *looseNumber) UnmarshalJSON(b []byte) error {
	raw := string(b)
	if raw == "null" {
		raw = ""
	}
	*n = looseNumber(strings.Trim(raw, `"`))
	return nil
}

func (n looseNumber) Int() (int, error) {
	if strings.TrimSpace(string(n)) == "" {
		return 0, nil
	}
	return strconv.Atoi(strings.TrimSpace(string(n)))
}

type reviewRequest struct {
	Text   string      `json:"text" form:"text"`
	Rating looseNumber `json:"rating" form:"rating" swaggertype:"integer"`
	Slug   string      `json:"slug" form:"slug"`
}

// CreateReview godoc
// @Summary Review a post
// @Description Rating must be 1-5. An empty slug is generated; a taken slug is a field error.
// @Tags reviews
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Post ID"
// @Param request body reviewRequest true "Review"
// @Success 201 {object} models.Review
// @Success 200 {object} models.ErrorResponse "field errors"
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /post/{id}/review [post]
func (s *Server) CreateReview(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var req reviewRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	v, err := s.viewer(c)
	if err != nil {
		return s.respondServiceError(c, err)
	}
	rating, err := req.Rating.Int()
	if err != nil {
		return s.respondServiceError(c, models.NewFieldError("rating", "enter a whole number between 1 and 5"))
	}

	review, err := s.reviewService.CreateReview(c.UserContext(), v, service.CreateReviewInput{
		PostID: id,
		Text:   req.Text,
		Rating: rating,
		Slug:   req.Slug,
	})
	if err != nil {
		return s.respondServiceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(review)
}

// GetReview godoc
// @Summary Review detail
// @Tags reviews
// @Produce json
// @Param slug path string true "Review slug"
// @Success 200 {object} models.Review
// @Failure 404 {object} models.ErrorResponse
// @Router /review/{slug} [get]
func (s *Server) GetReview(c *fiber.Ctx) error {
	review, err := s.reviewService.GetReviewBySlug(c.UserContext(), c.Params("slug"))
	if err != nil {
		return s.respondServiceError(c, err)
	}
	return c.JSON(review)
}
