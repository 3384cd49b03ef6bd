package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"lineage/internal/cache"
	"lineage/internal/middleware"
	"lineage/internal/models"
	"lineage/internal/notifications"
	"lineage/internal/observability"
	"lineage/internal/policy"
	"lineage/internal/repository"
	"lineage/internal/validation"

	"go.opentelemetry.io/otel/attribute"
)

// MilestoneSink accepts view milestones for asynchronous delivery.
type MilestoneSink interface {
	Enqueue(ev notifications.ViewMilestone) bool
}

type PostService struct {
	postRepo   repository.PostRepository
	milestones MilestoneSink
	now        func() time.Time
}

// ImageUpload stores a pending image and returns its reference. Services
// call it only once the request is authorized and its fields are valid.
type ImageUpload func(ctx context.Context) (string, error)

type CreatePostInput struct {
	AuthorID  uint
	Title     string
	Content   string
	Image     ImageUpload
	CreatedAt *time.Time
	Origins   []models.Origin
}

type UpdatePostInput struct {
	PostID  uint
	Title   string
	Content string
	// Image replaces the stored image when set.
	Image   ImageUpload
	Origins []repository.OriginChange
}

func (u ImageUpload) store(ctx context.Context) (string, error) {
	if u == nil {
		return "", nil
	}
	return u(ctx)
}

// NewPostService wires the post rules. milestones may be nil, in which case
// view milestones are only counted.
func NewPostService(postRepo repository.PostRepository, milestones MilestoneSink) *PostService {
	return &PostService{
		postRepo:   postRepo,
		milestones: milestones,
		now:        time.Now,
	}
}

// ListPosts returns one newest-first page of the posts v may see. Anonymous
// scope pages are served from Redis when available.
func (s *PostService) ListPosts(ctx context.Context, v policy.Viewer, page int) (*models.PostPage, error) {
	page, offset := pageOffset(page)
	scope := policy.ListingScope(v)

	fetch := func() (*models.PostPage, error) {
		posts, total, err := s.postRepo.List(ctx, repository.PostFilter{
			IncludeInactive: scope.IncludeInactive,
			Limit:           PerPage,
			Offset:          offset,
		})
		if err != nil {
			return nil, models.NewInternalError(err)
		}
		return newPostPage(posts, page, total), nil
	}

	if scope.IncludeInactive {
		return fetch()
	}

	var result models.PostPage
	key := cache.PublicListKey(cache.PublicListVersion(ctx), page)
	err := cache.CacheAside(ctx, key, &result, cache.PublicListTTL, func() error {
		p, err := fetch()
		if err != nil {
			return err
		}
		result = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// SearchPosts matches title or origin place. A blank query yields an empty
// page without touching storage.
func (s *PostService) SearchPosts(ctx context.Context, v policy.Viewer, query string, page int) (*models.PostPage, error) {
	page, offset := pageOffset(page)
	query = strings.TrimSpace(query)
	if query == "" {
		return newPostPage(nil, page, 0), nil
	}

	posts, total, err := s.postRepo.Search(ctx, query, repository.PostFilter{
		IncludeInactive: policy.ListingScope(v).IncludeInactive,
		Limit:           PerPage,
		Offset:          offset,
	})
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return newPostPage(posts, page, total), nil
}

// ListUserPosts pages through one author's posts under the same scope as
// the main listing.
func (s *PostService) ListUserPosts(ctx context.Context, v policy.Viewer, userID uint, page int) (*models.PostPage, error) {
	page, offset := pageOffset(page)
	posts, total, err := s.postRepo.ListByUser(ctx, userID, repository.PostFilter{
		IncludeInactive: policy.ListingScope(v).IncludeInactive,
		Limit:           PerPage,
		Offset:          offset,
	})
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return newPostPage(posts, page, total), nil
}

// GetPost loads a post for its detail page. An authenticated viewer other
// than the author adds one view; reaching a multiple of
// notifications.MilestoneInterval hands a milestone to the dispatcher.
func (s *PostService) GetPost(ctx context.Context, v policy.Viewer, id uint) (*models.Post, error) {
	span, ctx := observability.NewSpan(ctx, "PostService.GetPost",
		attribute.Int64("post.id", int64(id)),
		attribute.Int64("viewer.id", int64(v.UserID)),
	)
	defer span.End()

	post, err := s.postRepo.GetDetail(ctx, id)
	if err != nil && !repository.IsNotFound(err) {
		span.SetError(err)
		return nil, models.NewInternalError(err)
	}
	if err != nil {
		post = nil
	}
	if err := policy.PostAccess(v, post).ReadErr("Post", id); err != nil {
		return nil, err
	}

	if !policy.CountsView(v, post) {
		return post, nil
	}

	views, err := s.postRepo.IncrementViews(ctx, id)
	if err != nil {
		span.SetError(err)
		return nil, storageErr(err, "Post", id)
	}
	post.Views = views
	observability.PostViewsCounted.Inc()
	span.AddAttributes(attribute.Int64("post.views", views))

	if notifications.IsMilestone(views) && post.AuthorEmail() != "" && s.milestones != nil {
		accepted := s.milestones.Enqueue(notifications.ViewMilestone{
			PostID:      post.ID,
			PostTitle:   post.Title,
			AuthorID:    *post.UserID,
			AuthorEmail: post.AuthorEmail(),
			Views:       views,
		})
		middleware.Logger.InfoContext(ctx, "view milestone reached",
			slog.Uint64("post_id", uint64(post.ID)),
			slog.Int64("views", views),
			slog.Bool("queued", accepted),
		)
	}
	return post, nil
}

func (s *PostService) CreatePost(ctx context.Context, in CreatePostInput) (*models.Post, error) {
	if in.AuthorID == 0 {
		return nil, models.NewUnauthorizedError("Login required to create posts")
	}

	fields := map[string]string{}
	if err := validation.ValidateTitle(in.Title); err != nil {
		fields["title"] = err.Error()
	}
	if strings.TrimSpace(in.Content) == "" {
		fields["content"] = "this field is required"
	}
	if in.CreatedAt != nil && in.CreatedAt.After(s.now()) {
		fields["created_at"] = "publication date cannot be in the future"
	}
	if len(fields) > 0 {
		return nil, models.NewFieldsError(fields)
	}

	imageRef, err := in.Image.store(ctx)
	if err != nil {
		return nil, err
	}

	author := in.AuthorID
	post := &models.Post{
		Title:    in.Title,
		Content:  in.Content,
		Image:    imageRef,
		UserID:   &author,
		IsActive: true,
	}
	if in.CreatedAt != nil {
		post.CreatedAt = *in.CreatedAt
	}
	for _, o := range in.Origins {
		if o.IsBlank() {
			continue
		}
		o.ID = 0
		post.Origins = append(post.Origins, o)
	}

	if err := s.postRepo.Create(ctx, post); err != nil {
		return nil, models.NewInternalError(err)
	}
	cache.BumpPublicListVersion(ctx)

	created, err := s.postRepo.GetByID(ctx, post.ID)
	if err != nil {
		return nil, storageErr(err, "Post", post.ID)
	}
	return created, nil
}

// UpdatePost saves post fields and the origin formset together. Only the
// author or a CapModifyPost holder may edit.
func (s *PostService) UpdatePost(ctx context.Context, v policy.Viewer, in UpdatePostInput) (*models.Post, error) {
	post, err := s.loadForMutation(ctx, v, in.PostID, "You can only edit your own posts")
	if err != nil {
		return nil, err
	}

	fields := map[string]string{}
	if err := validation.ValidateTitle(in.Title); err != nil {
		fields["title"] = err.Error()
	}
	if strings.TrimSpace(in.Content) == "" {
		fields["content"] = "this field is required"
	}
	if len(fields) > 0 {
		return nil, models.NewFieldsError(fields)
	}

	imageRef, err := in.Image.store(ctx)
	if err != nil {
		return nil, err
	}

	post.Title = in.Title
	post.Content = in.Content
	if imageRef != "" {
		post.Image = imageRef
	}
	post.UpdatedAt = s.now()

	if err := s.postRepo.Update(ctx, post, in.Origins); err != nil {
		return nil, storageErr(err, "Post", in.PostID)
	}
	cache.BumpPublicListVersion(ctx)

	updated, err := s.postRepo.GetByID(ctx, in.PostID)
	if err != nil {
		return nil, storageErr(err, "Post", in.PostID)
	}
	return updated, nil
}

// DeletePost removes a post and everything attached to it.
func (s *PostService) DeletePost(ctx context.Context, v policy.Viewer, id uint) error {
	if _, err := s.loadForMutation(ctx, v, id, "You can only delete your own posts"); err != nil {
		return err
	}
	if err := s.postRepo.Delete(ctx, id); err != nil {
		return storageErr(err, "Post", id)
	}
	cache.BumpPublicListVersion(ctx)
	return nil
}

// ToggleActive flips the post's visibility and returns the new state. The
// capability check happens before any read or write.
func (s *PostService) ToggleActive(ctx context.Context, v policy.Viewer, id uint) (bool, error) {
	if err := policy.Moderation(v).WriteErr("Post", id, "You do not have permission to change post visibility"); err != nil {
		return false, err
	}

	active, err := s.postRepo.ToggleActive(ctx, id)
	if err != nil {
		return false, storageErr(err, "Post", id)
	}

	state := "inactive"
	if active {
		state = "active"
	}
	observability.ModerationToggles.WithLabelValues(state).Inc()
	middleware.Logger.InfoContext(ctx, "post visibility changed",
		slog.Uint64("post_id", uint64(id)),
		slog.Bool("is_active", active),
		slog.Uint64("moderator_id", uint64(v.UserID)),
	)
	cache.BumpPublicListVersion(ctx)
	return active, nil
}

func (s *PostService) loadForMutation(ctx context.Context, v policy.Viewer, id uint, message string) (*models.Post, error) {
	post, err := s.postRepo.GetByID(ctx, id)
	if err != nil && !repository.IsNotFound(err) {
		return nil, models.NewInternalError(err)
	}
	if err != nil {
		post = nil
	}
	if err := policy.PostMutation(v, post).WriteErr("Post", id, message); err != nil {
		return nil, err
	}
	return post, nil
}
