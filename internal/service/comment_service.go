package service

import (
	"context"
	"strings"
	"unicode/utf8"

	"lineage/internal/models"
	"lineage/internal/policy"
	"lineage/internal/repository"
	"lineage/internal/validation"
)

type CommentService struct {
	commentRepo repository.CommentRepository
	postRepo    repository.PostRepository
}

func NewCommentService(commentRepo repository.CommentRepository, postRepo repository.PostRepository) *CommentService {
	return &CommentService{commentRepo: commentRepo, postRepo: postRepo}
}

// CreateComment accepts comments from any visitor, anonymous included, on a
// post the visitor can see.
func (s *CommentService) CreateComment(ctx context.Context, v policy.Viewer, postID uint, text string) (*models.Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, models.NewFieldError("text", "this field is required")
	}
	if utf8.RuneCountInString(text) > validation.MaxCommentLength {
		return nil, models.NewFieldError("text", "comment too long (max 5000 characters)")
	}

	if err := s.checkAccess(ctx, v, postID); err != nil {
		return nil, err
	}

	comment := &models.Comment{PostID: postID, Text: text}
	if err := s.commentRepo.Create(ctx, comment); err != nil {
		return nil, models.NewInternalError(err)
	}
	return comment, nil
}

func (s *CommentService) ListComments(ctx context.Context, v policy.Viewer, postID uint) ([]*models.Comment, error) {
	if err := s.checkAccess(ctx, v, postID); err != nil {
		return nil, err
	}
	comments, err := s.commentRepo.ListByPost(ctx, postID)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	if comments == nil {
		comments = []*models.Comment{}
	}
	return comments, nil
}

func (s *CommentService) checkAccess(ctx context.Context, v policy.Viewer, postID uint) error {
	post, err := s.postRepo.GetByID(ctx, postID)
	if err != nil && !repository.IsNotFound(err) {
		return models.NewInternalError(err)
	}
	if err != nil {
		post = nil
	}
	return policy.PostAccess(v, post).ReadErr("Post", postID)
}
