package server

import (
	"log/slog"
	"time"

	"lineage/internal/middleware"
	"lineage/internal/models"
	"lineage/internal/service"

	"github.com/gofiber/fiber/v2"
)

type registerRequest struct {
	Username  string `json:"username" form:"username"`
	Email     string `json:"email" form:"email"`
	Password1 string `json:"password1" form:"password1"`
	Password2 string `json:"password2" form:"password2"`
}

type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

type profileRequest struct {
	Username  string `json:"username" form:"username"`
	Email     string `json:"email" form:"email"`
	FirstName string `json:"first_name" form:"first_name"`
	LastName  string `json:"last_name" form:"last_name"`
}

type passwordRequest struct {
	OldPassword  string `json:"old_password" form:"old_password"`
	NewPassword1 string `json:"new_password1" form:"new_password1"`
	NewPassword2 string `json:"new_password2" form:"new_password2"`
}

// authResponse is returned by register and login.
// accountResponse is a user as seen by that same user. Public user JSON
// leaves the email out.
type accountResponse struct {
	*models.User
	Email string `json:"email"`
}

func account(user *models.User) *accountResponse {
	return &accountResponse{User: user, Email: user.Email}
}

type authResponse struct {
	Token string           `json:"token"`
	User  *accountResponse `json:"user"`
}

func (s *Server) issueToken(c *fiber.Ctx, status int, user *models.User) error {
	token, err := s.generateToken(user.ID, user.Username)
	if err != nil {
		return s.respondServiceError(c, models.NewInternalError(err))
	}
	return c.Status(status).JSON(authResponse{Token: token, User: account(user)})
}

// Register godoc
// @Summary Register
// @Description Create an account and return a JWT.
// @Tags users
// @Accept json
// @Produce json
// @Param request body registerRequest true "Registration"
// @Success 201 {object} authResponse
// @Success 200 {object} models.ErrorResponse "field errors"
// @Router /users/register [post]
func (s *Server) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	user, err := s.userService.Register(c.UserContext(), service.RegisterInput{
		Username:  req.Username,
		Email:     req.Email,
		Password1: req.Password1,
		Password2: req.Password2,
	})
	if err != nil {
		return s.respondServiceError(c, err)
	}
	return s.issueToken(c, fiber.StatusCreated, user)
}

// Login godoc
// @Summary Login
// @Tags users
// @Accept json
// @Produce json
// @Param request body loginRequest true "Credentials"
// @Success 200 {object} authResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /users/login [post]
func (s *Server) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	user, err := s.userService.Authenticate(c.UserContext(), req.Username, req.Password)
	if err != nil {
		return s.respondServiceError(c, err)
	}
	return s.issueToken(c, fiber.StatusOK, user)
}

// Logout godoc
// @Summary Logout
// @Description Revokes the presented token until it expires.
// @Tags users
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{message=string}
// @Router /users/logout [post]
func (s *Server) Logout(c *fiber.Ctx) error {
	claims, _ := c.Locals("claims").(*tokenClaims)
	if claims != nil && claims.ID != "" && claims.ExpiresAt != nil {
		ttl := time.Until(claims.ExpiresAt.Time)
		switch {
		case ttl <= 0:
		case s.redis == nil:
			middleware.Logger.WarnContext(c.UserContext(), "token not revoked, redis unavailable")
		default:
			if err := s.redis.Set(c.UserContext(), blacklistPrefix+claims.ID, "1", ttl).Err(); err != nil {
				return s.respondServiceError(c, models.NewInternalError(err))
			}
		}
	}
	return c.JSON(fiber.Map{"message": "Logged out"})
}

// GetProfile godoc
// @Summary Current user
// @Tags users
// @Produce json
// @Security BearerAuth
// @Success 200 {object} accountResponse
// @Router /users/profile [get]
func (s *Server) GetProfile(c *fiber.Ctx) error {
	user, err := s.userService.GetUserByID(c.UserContext(), c.Locals("userID").(uint))
	if err != nil {
		return s.respondServiceError(c, err)
	}
	return c.JSON(account(user))
}

// UpdateProfile godoc
// @Summary Update current user
// @Tags users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body profileRequest true "Profile"
// @Success 200 {object} accountResponse
// @Router /users/profile/update [post]
func (s *Server) UpdateProfile(c *fiber.Ctx) error {
	var req profileRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	user, err := s.userService.UpdateProfile(c.UserContext(), service.UpdateProfileInput{
		UserID:    c.Locals("userID").(uint),
		Username:  req.Username,
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		return s.respondServiceError(c, err)
	}
	return c.JSON(account(user))
}

// ChangePassword godoc
// @Summary Change password
// @Tags users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body passwordRequest true "Passwords"
// @Success 200 {object} object{message=string}
// @Router /users/password/update [post]
func (s *Server) ChangePassword(c *fiber.Ctx) error {
	var req passwordRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	userID := c.Locals("userID").(uint)
	err := s.userService.ChangePassword(c.UserContext(), service.ChangePasswordInput{
		UserID:       userID,
		OldPassword:  req.OldPassword,
		NewPassword1: req.NewPassword1,
		NewPassword2: req.NewPassword2,
	})
	if err != nil {
		return s.respondServiceError(c, err)
	}
	middleware.Logger.InfoContext(c.UserContext(), "password changed", slog.Uint64("user_id", uint64(userID)))
	return c.JSON(fiber.Map{"message": "Password updated"})
}

// ListUsers godoc
// @Summary List users
// @Tags users
// @Produce json
// @Param page query int false "Page number"
// @Success 200 {object} service.UserPage
// @Router /users/ [get]
func (s *Server) ListUsers(c *fiber.Ctx) error {
	page, err := s.userService.ListUsers(c.UserContext(), parsePage(c))
	if err != nil {
		return s.respondServiceError(c, err)
	}
	return c.JSON(page)
}

// GetUserDetail godoc
// @Summary User profile
// @Description Public profile with the posts the caller may see.
// @Tags users
// @Produce json
// @Param username path string true "Username"
// @Param page query int false "Page number"
// @Success 200 {object} service.UserDetail
// @Failure 404 {object} models.ErrorResponse
// @Router /users/{username} [get]
func (s *Server) GetUserDetail(c *fiber.Ctx) error {
	v, err := s.viewer(c)
	if err != nil {
		return s.respondServiceError(c, err)
	}
	detail, err := s.userService.GetUserDetail(c.UserContext(), v, c.Params("username"), parsePage(c))
	if err != nil {
		return s.respondServiceError(c, err)
	}
	return c.JSON(detail)
}
