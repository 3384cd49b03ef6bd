package server

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"lineage/internal/models"
	"lineage/internal/repository"
	"lineage/internal/service"

	"github.com/gofiber/fiber/v2"
)

// originInput is one origin formset row. ID and Delete only apply on update.
type originInput struct {
	ID          uint   `json:"id,omitempty"`
	Delete      bool   `json:"delete,omitempty"`
	ParentName  string `json:"parent_name"`
	Origin      string `json:"origin"`
	Description string `json:"description"`
}

func (o originInput) model() models.Origin {
	return models.Origin{ParentName: o.ParentName, Origin: o.Origin, Description: o.Description}
}

// postRequest accepts JSON or form bodies. Multipart submissions carry the
// origin formset as a JSON array in the "origins" field.
type postRequest struct {
	Title       string        `json:"title" form:"title"`
	Content     string        `json:"content" form:"content"`
	CreatedAt   string        `json:"created_at" form:"created_at"`
	Origins     []originInput `json:"origins" form:"-"`
	OriginsJSON string        `json:"-" form:"origins"`
}

func (s *Server) parsePostRequest(c *fiber.Ctx) (*postRequest, error) {
	var req postRequest
	if err := c.BodyParser(&req); err != nil {
		_ = badRequest(c, "Invalid request body")
		return nil, errResponseWritten
	}
	if req.OriginsJSON != "" && len(req.Origins) == 0 {
		if err := json.Unmarshal([]byte(req.OriginsJSON), &req.Origins); err != nil {
			_ = badRequest(c, "origins must be a JSON array")
			return nil, errResponseWritten
		}
	}
	return &req, nil
}

// pendingUpload reads the optional "image" file into memory and returns the
// callback that stores it, or nil when none was sent. Nothing touches disk
// until the service invokes the callback.
func (s *Server) pendingUpload(c *fiber.Ctx, userID uint) (service.ImageUpload, error) {
	if !strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEMultipartForm) {
		return nil, nil
	}
	fh, err := c.FormFile("image")
	if err != nil || fh.Size == 0 {
		return nil, nil
	}
	f, err := fh.Open()
	if err != nil {
		return nil, models.NewFieldError("image", "could not read upload")
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, models.NewFieldError("image", "could not read upload")
	}
	in := service.SaveImageInput{
		UserID:      userID,
		Filename:    fh.Filename,
		ContentType: fh.Header.Get(fiber.HeaderContentType),
		Content:     content,
	}
	return func(ctx context.Context) (string, error) {
		return s.imageService.Save(ctx, in)
	}, nil
}

// ListPosts godoc
// @Summary List posts
// @Description Newest-first page of posts. Inactive posts are only listed for moderators.
// @Tags posts
// @Produce json
// @Param page query int false "Page number (5 posts per page)"
// @Success 200 {object} models.PostPage
// @Router / [get]
func (s *Server) ListPosts(c *fiber.Ctx) error {
	v, err := s.viewer(c)
	if err != nil {
		return s.respondServiceError(c, err)
	}
	page, err := s.postService.ListPosts(c.UserContext(), v, parsePage(c))
	if err != nil {
		return s.respondServiceError(c, err)
	}
	return c.JSON(page)
}

// SearchPosts godoc
// @Summary Search posts
// @Description Case-insensitive match on title or any origin. A blank query returns an empty page.
// @Tags posts
// @Produce json
// @Param q query string false "Search text"
// @Param page query int false "Page number"
// @Success 200 {object} models.PostPage
// @Router /search [get]
func (s *Server) SearchPosts(c *fiber.Ctx) error {
	v, err := s.viewer(c)
	if err != nil {
		return s.respondServiceError(c, err)
	}
	page, err := s.postService.SearchPosts(c.UserContext(), v, c.Query("q"), parsePage(c))
	if err != nil {
		return s.respondServiceError(c, err)
	}
	return c.JSON(page)
}

// GetPost godoc
// @Summary Post detail
// @Description Returns a post with origins, comments and reviews. Counts one view for signed-in viewers other than the author.
// @Tags posts
// @Produce json
// @Param id path int true "Post ID"
// @Success 200 {object} models.Post
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /post/{id} [get]
func (s *Server) GetPost(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	v, err := s.viewer(c)
	if err != nil {
		return s.respondServiceError(c, err)
	}
	post, err := s.postService.GetPost(c.UserContext(), v, id)
	if err != nil {
		return s.respondServiceError(c, err)
	}
	return c.JSON(post)
}

// CreatePost godoc
// @Summary Create post
// @Tags posts
// @Accept json,mpfd
// @Produce json
// @Security BearerAuth
// @Param request body postRequest true "Post"
// @Success 201 {object} models.Post
// @Success 200 {object} models.ErrorResponse "field errors"
// @Failure 401 {object} models.ErrorResponse
// @Router /create [post]
func (s *Server) CreatePost(c *fiber.Ctx) error {
	v, err := s.viewer(c)
	if err != nil {
		return s.respondServiceError(c, err)
	}
	userID := v.UserID
	req, err := s.parsePostRequest(c)
	if err != nil {
		return nil
	}

	in := service.CreatePostInput{
		AuthorID: userID,
		Title:    req.Title,
		Content:  req.Content,
	}
	if req.CreatedAt != "" {
		at, perr := time.Parse(time.RFC3339, req.CreatedAt)
		if perr != nil {
			return s.respondServiceError(c, models.NewFieldError("created_at", "enter a valid date/time"))
		}
		in.CreatedAt = &at
	}
	for _, o := range req.Origins {
		in.Origins = append(in.Origins, o.model())
	}

	if in.Image, err = s.pendingUpload(c, userID); err != nil {
		return s.respondServiceError(c, err)
	}

	post, err := s.postService.CreatePost(c.UserContext(), in)
	if err != nil {
		return s.respondServiceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(post)
}

// UpdatePost godoc
// @Summary Update post
// @Description Author or modify_post holders only. Origins with an id are updated or deleted; origins without one are added.
// @Tags posts
// @Accept json,mpfd
// @Produce json
// @Security BearerAuth
// @Param id path int true "Post ID"
// @Param request body postRequest true "Post"
// @Success 200 {object} models.Post
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /post/{id}/update [post]
func (s *Server) UpdatePost(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	v, err := s.viewer(c)
	if err != nil {
		return s.respondServiceError(c, err)
	}
	req, err := s.parsePostRequest(c)
	if err != nil {
		return nil
	}

	in := service.UpdatePostInput{
		PostID:  id,
		Title:   req.Title,
		Content: req.Content,
	}
	for _, o := range req.Origins {
		in.Origins = append(in.Origins, repository.OriginChange{ID: o.ID, Delete: o.Delete, Origin: o.model()})
	}

	if in.Image, err = s.pendingUpload(c, v.UserID); err != nil {
		return s.respondServiceError(c, err)
	}

	post, err := s.postService.UpdatePost(c.UserContext(), v, in)
	if err != nil {
		return s.respondServiceError(c, err)
	}
	return c.JSON(post)
}

// DeletePost godoc
// @Summary Delete post
// @Description Author or modify_post holders only. Redirects to the listing.
// @Tags posts
// @Security BearerAuth
// @Param id path int true "Post ID"
// @Success 303
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /post/{id}/delete [post]
func (s *Server) DeletePost(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	v, err := s.viewer(c)
	if err != nil {
		return s.respondServiceError(c, err)
	}
	if err := s.postService.DeletePost(c.UserContext(), v, id); err != nil {
		return s.respondServiceError(c, err)
	}
	return c.Redirect("/", fiber.StatusSeeOther)
}

// ToggleActive godoc
// @Summary Toggle post visibility
// @Description Requires the modify_post capability. Redirects to the listing.
// @Tags posts
// @Security BearerAuth
// @Param id path int true "Post ID"
// @Success 303
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /post/{id}/toggle-active [post]
func (s *Server) ToggleActive(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	v, err := s.viewer(c)
	if err != nil {
		return s.respondServiceError(c, err)
	}
	if _, err := s.postService.ToggleActive(c.UserContext(), v, id); err != nil {
		return s.respondServiceError(c, err)
	}
	return c.Redirect("/", fiber.StatusSeeOther)
}
