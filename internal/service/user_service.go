package service

import (
	"context"
	"log/slog"
	"strings"

	"lineage/internal/cache"
	"lineage/internal/middleware"
	"lineage/internal/models"
	"lineage/internal/policy"
	"lineage/internal/repository"
	"lineage/internal/validation"

	"golang.org/x/crypto/bcrypt"
)

// UsersPerPage is the page size of the user directory.
const UsersPerPage = 20

type UserService struct {
	userRepo    repository.UserRepository
	postService *PostService
	bcryptCost  int
}

type RegisterInput struct {
	Username  string
	Email     string
	Password1 string
	Password2 string
}

type UpdateProfileInput struct {
	UserID    uint
	Username  string
	Email     string
	FirstName string
	LastName  string
}

type ChangePasswordInput struct {
	UserID       uint
	OldPassword  string
	NewPassword1 string
	NewPassword2 string
}

// UserPage is one page of the user directory.
type UserPage struct {
	Users   []models.User `json:"users"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
	Total   int64         `json:"total"`
	HasNext bool          `json:"has_next"`
}

// UserDetail is a public profile with the posts the viewer may see.
type UserDetail struct {
	User  *models.User     `json:"user"`
	Posts *models.PostPage `json:"posts"`
}

// cachedViewer is the Redis shape of a user's permissions.
type cachedViewer struct {
	Admin        bool     `json:"admin"`
	Capabilities []string `json:"capabilities"`
}

func NewUserService(userRepo repository.UserRepository, postService *PostService) *UserService {
	return &UserService{userRepo: userRepo, postService: postService, bcryptCost: bcrypt.DefaultCost}
}

// Register creates an account. Username and email must be unused.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)

	fields := map[string]string{}
	if err := validation.ValidateUsername(in.Username); err != nil {
		fields["username"] = err.Error()
	}
	if err := validation.ValidateEmail(in.Email); err != nil {
		fields["email"] = err.Error()
	}
	if err := validation.ValidatePasswordPair(in.Password1, in.Password2); err != nil {
		fields["password2"] = err.Error()
	}
	if len(fields) > 0 {
		return nil, models.NewFieldsError(fields)
	}

	if err := s.checkUnique(ctx, 0, in.Username, in.Email); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password1), s.bcryptCost)
	if err != nil {
		return nil, models.NewInternalError(err)
	}

	user := &models.User{Username: in.Username, Email: in.Email, Password: string(hash)}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, models.NewFieldError("username", "a user with that username or email already exists")
		}
		return nil, models.NewInternalError(err)
	}
	middleware.Logger.InfoContext(ctx, "user registered", slog.Uint64("user_id", uint64(user.ID)))
	return user, nil
}

// Authenticate checks a username and password pair.
func (s *UserService) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	user, err := s.userRepo.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	if user == nil {
		return nil, models.NewUnauthorizedError("Invalid username or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, models.NewUnauthorizedError("Invalid username or password")
	}
	return user, nil
}

func (s *UserService) GetUserByID(ctx context.Context, id uint) (*models.User, error) {
	user, err := s.userRepo.GetByID(ctx, id)
	if err != nil {
		return nil, storageErr(err, "User", id)
	}
	return user, nil
}

// GetUserDetail returns a profile with the user's posts filtered by the
// same visibility rule as the main listing.
func (s *UserService) GetUserDetail(ctx context.Context, v policy.Viewer, username string, page int) (*UserDetail, error) {
	user, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	if user == nil {
		return nil, models.NewNotFoundError("User", username)
	}
	posts, err := s.postService.ListUserPosts(ctx, v, user.ID, page)
	if err != nil {
		return nil, err
	}
	return &UserDetail{User: user, Posts: posts}, nil
}

func (s *UserService) ListUsers(ctx context.Context, page int) (*UserPage, error) {
	page = clampPage(page)
	users, total, err := s.userRepo.List(ctx, UsersPerPage, (page-1)*UsersPerPage)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	if users == nil {
		users = []models.User{}
	}
	return &UserPage{
		Users:   users,
		Page:    page,
		PerPage: UsersPerPage,
		Total:   total,
		HasNext: int64(page*UsersPerPage) < total,
	}, nil
}

func (s *UserService) UpdateProfile(ctx context.Context, in UpdateProfileInput) (*models.User, error) {
	user, err := s.userRepo.GetByID(ctx, in.UserID)
	if err != nil {
		return nil, storageErr(err, "User", in.UserID)
	}

	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)

	fields := map[string]string{}
	if err := validation.ValidateUsername(in.Username); err != nil {
		fields["username"] = err.Error()
	}
	if err := validation.ValidateEmail(in.Email); err != nil {
		fields["email"] = err.Error()
	}
	if len(in.FirstName) > 100 {
		fields["first_name"] = "first name too long (max 100 characters)"
	}
	if len(in.LastName) > 100 {
		fields["last_name"] = "last name too long (max 100 characters)"
	}
	if len(fields) > 0 {
		return nil, models.NewFieldsError(fields)
	}

	if err := s.checkUnique(ctx, user.ID, in.Username, in.Email); err != nil {
		return nil, err
	}

	user.Username = in.Username
	user.Email = in.Email
	user.FirstName = strings.TrimSpace(in.FirstName)
	user.LastName = strings.TrimSpace(in.LastName)
	if err := s.userRepo.UpdateProfile(ctx, user); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, models.NewFieldError("username", "a user with that username or email already exists")
		}
		return nil, models.NewInternalError(err)
	}
	return user, nil
}

func (s *UserService) ChangePassword(ctx context.Context, in ChangePasswordInput) error {
	user, err := s.userRepo.GetByID(ctx, in.UserID)
	if err != nil {
		return storageErr(err, "User", in.UserID)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(in.OldPassword)) != nil {
		return models.NewFieldError("old_password", "your old password was entered incorrectly")
	}
	if err := validation.ValidatePasswordPair(in.NewPassword1, in.NewPassword2); err != nil {
		return models.NewFieldError("new_password2", err.Error())
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.NewPassword1), s.bcryptCost)
	if err != nil {
		return models.NewInternalError(err)
	}
	if err := s.userRepo.UpdatePassword(ctx, user.ID, string(hash)); err != nil {
		return storageErr(err, "User", user.ID)
	}
	return nil
}

// GrantCapability gives userID a named capability. Idempotent.
func (s *UserService) GrantCapability(ctx context.Context, userID uint, name string) (*models.User, error) {
	return s.changeCapability(ctx, userID, name, s.userRepo.GrantCapability)
}

// RevokeCapability removes a named capability from userID. Idempotent.
func (s *UserService) RevokeCapability(ctx context.Context, userID uint, name string) (*models.User, error) {
	return s.changeCapability(ctx, userID, name, s.userRepo.RevokeCapability)
}

func (s *UserService) changeCapability(ctx context.Context, userID uint, name string, apply func(context.Context, uint, string) error) (*models.User, error) {
	capability, ok := policy.ParseCapability(name)
	if !ok {
		return nil, models.NewFieldError("capability", "unknown capability "+name)
	}
	if _, err := s.userRepo.GetByID(ctx, userID); err != nil {
		return nil, storageErr(err, "User", userID)
	}
	if err := apply(ctx, userID, string(capability)); err != nil {
		return nil, models.NewInternalError(err)
	}
	cache.InvalidateViewer(ctx, userID)
	middleware.Logger.InfoContext(ctx, "user capabilities changed",
		slog.Uint64("user_id", uint64(userID)), slog.String("capability", string(capability)))
	return s.GetUserByID(ctx, userID)
}

// LoadViewer resolves the permissions of an authenticated user, cached in
// Redis under cache.ViewerKey.
func (s *UserService) LoadViewer(ctx context.Context, userID uint) (policy.Viewer, error) {
	var cv cachedViewer
	err := cache.CacheAside(ctx, cache.ViewerKey(userID), &cv, cache.ViewerTTL, func() error {
		user, err := s.userRepo.GetByID(ctx, userID)
		if err != nil {
			return storageErr(err, "User", userID)
		}
		cv = cachedViewer{Admin: user.IsAdmin, Capabilities: user.CapabilityNames()}
		return nil
	})
	if err != nil {
		return policy.Anonymous(), err
	}
	return policy.NewViewer(userID, cv.Admin, cv.Capabilities), nil
}

func (s *UserService) checkUnique(ctx context.Context, selfID uint, username, email string) error {
	fields := map[string]string{}
	byName, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		return models.NewInternalError(err)
	}
	if byName != nil && byName.ID != selfID {
		fields["username"] = "a user with that username already exists"
	}
	byEmail, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		return models.NewInternalError(err)
	}
	if byEmail != nil && byEmail.ID != selfID {
		fields["email"] = "a user with that email already exists"
	}
	if len(fields) > 0 {
		return models.NewFieldsError(fields)
	}
	return nil
}
