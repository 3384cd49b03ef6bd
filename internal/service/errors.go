// Package service holds the business rules between HTTP handlers and
// repositories. Every exported method returns *models.AppError on failure.
package service

import (
	"errors"

	"lineage/internal/models"
	"lineage/internal/repository"
)

// PerPage is the page size for post listings and search.
const PerPage = 5

// MaxPage caps ?page= so offsets stay far from overflow.
const MaxPage = 10000

// storageErr maps a repository error to an AppError. Errors that already
// are AppErrors pass through.
func storageErr(err error, resource string, id interface{}) error {
	if err == nil {
		return nil
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if repository.IsNotFound(err) {
		return models.NewNotFoundError(resource, id)
	}
	return models.NewInternalError(err)
}

func clampPage(page int) int {
	switch {
	case page < 1:
		return 1
	case page > MaxPage:
		return MaxPage
	}
	return page
}

func pageOffset(page int) (int, int) {
	page = clampPage(page)
	return page, (page - 1) * PerPage
}

func newPostPage(posts []*models.Post, page int, total int64) *models.PostPage {
	if posts == nil {
		posts = []*models.Post{}
	}
	return &models.PostPage{
		Posts:   posts,
		Page:    page,
		PerPage: PerPage,
		Total:   total,
		HasNext: int64(page*PerPage) < total,
	}
}
