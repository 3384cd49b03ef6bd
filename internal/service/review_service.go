package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"lineage/internal/middleware"
	"lineage/internal/models"
	"lineage/internal/observability"
	"lineage/internal/policy"
	"lineage/internal/repository"
	"lineage/internal/validation"

	"github.com/google/uuid"
)

const (
	slugBaseLength  = 8
	maxSlugAttempts = 5
)

var errSlugTaken = errors.New("slug taken")

type ReviewService struct {
	reviewRepo repository.ReviewRepository
	postRepo   repository.PostRepository
	newSlug    func() string
}

type CreateReviewInput struct {
	PostID uint
	Text   string
	Rating int
	// Slug is optional; a random one is generated when empty.
	Slug string
}

func NewReviewService(reviewRepo repository.ReviewRepository, postRepo repository.PostRepository) *ReviewService {
	return &ReviewService{
		reviewRepo: reviewRepo,
		postRepo:   postRepo,
		newSlug:    randomSlugBase,
	}
}

func randomSlugBase() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:slugBaseLength]
}

// CreateReview stores a rated review by v on a post v can see. The rating is
// checked before anything else so an invalid rating never reaches storage.
func (s *ReviewService) CreateReview(ctx context.Context, v policy.Viewer, in CreateReviewInput) (*models.Review, error) {
	if !v.Authenticated() {
		return nil, models.NewUnauthorizedError("Login required to leave a review")
	}

	fields := map[string]string{}
	if in.Rating < models.MinRating || in.Rating > models.MaxRating {
		fields["rating"] = fmt.Sprintf("rating must be between %d and %d", models.MinRating, models.MaxRating)
	}
	if strings.TrimSpace(in.Text) == "" {
		fields["text"] = "this field is required"
	}
	slug := strings.TrimSpace(in.Slug)
	if slug != "" {
		if err := validation.ValidateSlug(slug); err != nil {
			fields["slug"] = err.Error()
		}
	}
	if len(fields) > 0 {
		return nil, models.NewFieldsError(fields)
	}

	post, err := s.postRepo.GetByID(ctx, in.PostID)
	if err != nil && !repository.IsNotFound(err) {
		return nil, models.NewInternalError(err)
	}
	if err != nil {
		post = nil
	}
	if err := policy.PostAccess(v, post).ReadErr("Post", in.PostID); err != nil {
		return nil, err
	}

	review := &models.Review{
		PostID: in.PostID,
		UserID: v.UserID,
		Text:   strings.TrimSpace(in.Text),
		Rating: in.Rating,
	}

	if slug != "" {
		err = s.createWithSlug(ctx, review, slug)
	} else {
		err = s.createWithGeneratedSlug(ctx, review)
	}
	if err != nil {
		return nil, err
	}

	created, err := s.reviewRepo.GetBySlug(ctx, review.Slug)
	if err != nil {
		return nil, storageErr(err, "Review", review.Slug)
	}
	return created, nil
}

func (s *ReviewService) createWithSlug(ctx context.Context, review *models.Review, slug string) error {
	taken := models.NewFieldError("slug", "a review with this slug already exists")
	err := s.reviewRepo.Transaction(ctx, func(tx repository.ReviewRepository) error {
		exists, err := tx.SlugExists(ctx, slug)
		if err != nil {
			return err
		}
		if exists {
			return errSlugTaken
		}
		review.Slug = slug
		return tx.Create(ctx, review)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errSlugTaken), repository.IsUniqueViolation(err):
		observability.SlugCollisions.WithLabelValues("supplied").Inc()
		return taken
	default:
		return models.NewInternalError(err)
	}
}

// createWithGeneratedSlug tries base, base-1, base-2, ... inside one
// transaction. A unique violation at insert means another writer won the
// race, so generation restarts with a fresh base.
func (s *ReviewService) createWithGeneratedSlug(ctx context.Context, review *models.Review) error {
	var lastErr error
	for attempt := 1; attempt <= maxSlugAttempts; attempt++ {
		base := s.newSlug()
		err := s.reviewRepo.Transaction(ctx, func(tx repository.ReviewRepository) error {
			candidate := base
			for n := 1; ; n++ {
				exists, err := tx.SlugExists(ctx, candidate)
				if err != nil {
					return err
				}
				if !exists {
					break
				}
				observability.SlugCollisions.WithLabelValues("suffix").Inc()
				candidate = fmt.Sprintf("%s-%d", base, n)
			}
			review.ID = 0
			review.Slug = candidate
			return tx.Create(ctx, review)
		})
		if err == nil {
			return nil
		}
		if !repository.IsUniqueViolation(err) {
			return models.NewInternalError(err)
		}
		observability.SlugCollisions.WithLabelValues("insert").Inc()
		middleware.Logger.WarnContext(ctx, "review slug collided at insert, retrying",
			slog.Int("attempt", attempt), slog.String("base", base))
		lastErr = err
	}
	return models.NewInternalError(fmt.Errorf("no unique review slug after %d attempts: %w", maxSlugAttempts, lastErr))
}

// GetReviewBySlug returns the review regardless of its post's visibility.
func (s *ReviewService) GetReviewBySlug(ctx context.Context, slug string) (*models.Review, error) {
	review, err := s.reviewRepo.GetBySlug(ctx, slug)
	if err != nil {
		return nil, storageErr(err, "Review", slug)
	}
	return review, nil
}
