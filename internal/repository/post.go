package repository

import (
	"context"
	"fmt"
	"strings"

	"lineage/internal/models"

	"gorm.io/gorm"
)

// PostFilter scopes and pages list queries.
type PostFilter struct {
	IncludeInactive bool
	Limit           int
	Offset          int
}

// OriginChange is one row of an origin formset submission. A zero ID adds a
// row; Delete removes the row named by ID.
type OriginChange struct {
	ID     uint
	Delete bool
	Origin models.Origin
}

// PostRepository defines the interface for post data operations
type PostRepository interface {
	Create(ctx context.Context, post *models.Post) error
	GetByID(ctx context.Context, id uint) (*models.Post, error)
	GetDetail(ctx context.Context, id uint) (*models.Post, error)
	List(ctx context.Context, filter PostFilter) ([]*models.Post, int64, error)
	ListByUser(ctx context.Context, userID uint, filter PostFilter) ([]*models.Post, int64, error)
	Search(ctx context.Context, query string, filter PostFilter) ([]*models.Post, int64, error)
	Update(ctx context.Context, post *models.Post, origins []OriginChange) error
	Delete(ctx context.Context, id uint) error
	ToggleActive(ctx context.Context, id uint) (bool, error)
	IncrementViews(ctx context.Context, id uint) (int64, error)
}

// postRepository implements PostRepository
type postRepository struct {
	db *gorm.DB
}

// NewPostRepository creates a new post repository
func NewPostRepository(db *gorm.DB) PostRepository {
	return &postRepository{db: db}
}

// Create inserts the post and its origins in one transaction.
func (r *postRepository) Create(ctx context.Context, post *models.Post) error {
	return r.db.WithContext(ctx).Create(post).Error
}

// GetByID loads a post with its author and origins.
func (r *postRepository) GetByID(ctx context.Context, id uint) (*models.Post, error) {
	var post models.Post
	err := r.db.WithContext(ctx).
		Preload("User").
		Preload("Origins", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&post, id).Error
	if err != nil {
		return nil, err
	}
	return &post, nil
}

// GetDetail loads a post with every child collection for the detail page.
func (r *postRepository) GetDetail(ctx context.Context, id uint) (*models.Post, error) {
	var post models.Post
	err := r.db.WithContext(ctx).
		Preload("User").
		Preload("Origins", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Comments", func(db *gorm.DB) *gorm.DB { return db.Order("created_at DESC, id DESC") }).
		Preload("Reviews", func(db *gorm.DB) *gorm.DB { return db.Order("created_at DESC, id DESC") }).
		Preload("Reviews.User").
		First(&post, id).Error
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func (r *postRepository) List(ctx context.Context, filter PostFilter) ([]*models.Post, int64, error) {
	return r.page(readDB(r.db).WithContext(ctx).Model(&models.Post{}), filter)
}

func (r *postRepository) ListByUser(ctx context.Context, userID uint, filter PostFilter) ([]*models.Post, int64, error) {
	q := readDB(r.db).WithContext(ctx).Model(&models.Post{}).Where("posts.user_id = ?", userID)
	return r.page(q, filter)
}

// Search matches the title or any origin's place, case-insensitively. The
// origin match is a subquery so a post with several matching origins is
// returned once.
func (r *postRepository) Search(ctx context.Context, query string, filter PostFilter) ([]*models.Post, int64, error) {
	like := "%" + escapeLike(strings.ToLower(query)) + "%"
	q := readDB(r.db).WithContext(ctx).Model(&models.Post{}).
		Where(`LOWER(posts.title) LIKE ? ESCAPE '\' OR posts.id IN (SELECT origins.post_id FROM origins WHERE LOWER(origins.origin) LIKE ? ESCAPE '\')`, like, like)
	return r.page(q, filter)
}

// page applies the visibility filter, counts, then loads one newest-first page.
func (r *postRepository) page(q *gorm.DB, filter PostFilter) ([]*models.Post, int64, error) {
	if !filter.IncludeInactive {
		q = q.Where("posts.is_active = ?", true)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var posts []*models.Post
	err := q.Preload("User").
		Order("posts.created_at DESC, posts.id DESC").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&posts).Error
	if err != nil {
		return nil, 0, err
	}
	return posts, total, nil
}

// Update saves the post columns and applies the origin formset atomically.
func (r *postRepository) Update(ctx context.Context, post *models.Post, origins []OriginChange) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.Post{ID: post.ID}).
			Select("title", "content", "image", "updated_at").
			Updates(post).Error
		if err != nil {
			return err
		}

		for _, change := range origins {
			if change.ID == 0 {
				if change.Delete || change.Origin.IsBlank() {
					continue
				}
				o := change.Origin
				o.ID = 0
				o.PostID = post.ID
				if err := tx.Create(&o).Error; err != nil {
					return err
				}
				continue
			}

			var res *gorm.DB
			if change.Delete {
				res = tx.Where("id = ? AND post_id = ?", change.ID, post.ID).Delete(&models.Origin{})
			} else {
				res = tx.Model(&models.Origin{}).
					Where("id = ? AND post_id = ?", change.ID, post.ID).
					Select("parent_name", "origin", "description").
					Updates(map[string]interface{}{
						"parent_name": change.Origin.ParentName,
						"origin":      change.Origin.Origin,
						"description": change.Origin.Description,
					})
			}
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return models.NewFieldError("origins", fmt.Sprintf("origin %d does not belong to this post", change.ID))
			}
		}
		return nil
	})
}

// Delete removes the post and its children. Children are deleted explicitly
// so the cascade holds on drivers without foreign key enforcement.
func (r *postRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, child := range []interface{}{&models.Origin{}, &models.Comment{}, &models.Review{}} {
			if err := tx.Where("post_id = ?", id).Delete(child).Error; err != nil {
				return err
			}
		}
		res := tx.Delete(&models.Post{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// ToggleActive flips is_active in place and returns the new value.
func (r *postRepository) ToggleActive(ctx context.Context, id uint) (bool, error) {
	var active bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Post{}).Where("id = ?", id).
			UpdateColumn("is_active", gorm.Expr("NOT is_active"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(&models.Post{}).Where("id = ?", id).Select("is_active").Scan(&active).Error
	})
	return active, err
}

// IncrementViews adds exactly one view and returns the new total. The
// increment is done by the database so concurrent viewers are never lost.
func (r *postRepository) IncrementViews(ctx context.Context, id uint) (int64, error) {
	var views int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Post{}).Where("id = ?", id).
			UpdateColumn("views", gorm.Expr("views + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(&models.Post{}).Where("id = ?", id).Select("views").Scan(&views).Error
	})
	return views, err
}
