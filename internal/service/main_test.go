package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"lineage/internal/cache"
	"lineage/internal/database"
	"lineage/internal/models"
	"lineage/internal/notifications"
	"lineage/internal/policy"
	"lineage/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:?_foreign_keys=on"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))
	return db
}

// useRedis points the cache package at a fresh miniredis for one test.
func useRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache.SetClient(rdb)
	t.Cleanup(func() {
		cache.SetClient(nil)
		_ = rdb.Close()
	})
	return mr
}

func seedUser(t *testing.T, db *gorm.DB, name string) *models.User {
	t.Helper()
	u := &models.User{Username: name, Email: name + "@example.com", Password: "x"}
	require.NoError(t, db.Create(u).Error)
	return u
}

func seedPost(t *testing.T, db *gorm.DB, author *models.User, title string, active bool, origins ...string) *models.Post {
	t.Helper()
	p := &models.Post{Title: title, Content: "body", IsActive: true}
	if author != nil {
		p.UserID = &author.ID
	}
	for _, o := range origins {
		p.Origins = append(p.Origins, models.Origin{Origin: o})
	}
	require.NoError(t, db.Create(p).Error)
	if !active {
		require.NoError(t, db.Model(p).Update("is_active", false).Error)
		p.IsActive = false
	}
	return p
}

func setViews(t *testing.T, db *gorm.DB, postID uint, views int64) {
	t.Helper()
	require.NoError(t, db.Model(&models.Post{}).Where("id = ?", postID).UpdateColumn("views", views).Error)
}

func viewsOf(t *testing.T, db *gorm.DB, postID uint) int64 {
	t.Helper()
	var p models.Post
	require.NoError(t, db.Select("views").First(&p, postID).Error)
	return p.Views
}

func viewer(u *models.User) policy.Viewer {
	return policy.NewViewer(u.ID, false, nil)
}

func moderator(u *models.User) policy.Viewer {
	return policy.NewViewer(u.ID, false, []string{string(policy.CapModifyPost)})
}

// recordingSink collects enqueued milestones.
type recordingSink struct {
	mu     sync.Mutex
	events []notifications.ViewMilestone
}

func (r *recordingSink) Enqueue(ev notifications.ViewMilestone) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

func (r *recordingSink) all() []notifications.ViewMilestone {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifications.ViewMilestone(nil), r.events...)
}

type services struct {
	db       *gorm.DB
	posts    *PostService
	comments *CommentService
	reviews  *ReviewService
	users    *UserService
	sink     *recordingSink
}

func newServices(t *testing.T) *services {
	t.Helper()
	db := setupDB(t)
	postRepo := repository.NewPostRepository(db)
	sink := &recordingSink{}
	posts := NewPostService(postRepo, sink)
	posts.now = func() time.Time { return time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC) }
	users := NewUserService(repository.NewUserRepository(db), posts)
	users.bcryptCost = 4
	return &services{
		db:       db,
		posts:    posts,
		comments: NewCommentService(repository.NewCommentRepository(db), postRepo),
		reviews:  NewReviewService(repository.NewReviewRepository(db), postRepo),
		users:    users,
		sink:     sink,
	}
}

func requireCode(t *testing.T, err error, code string) *models.AppError {
	t.Helper()
	require.Error(t, err)
	var appErr *models.AppError
	require.True(t, errors.As(err, &appErr), "expected *models.AppError, got %T: %v", err, err)
	require.Equal(t, code, appErr.Code, appErr.Message)
	return appErr
}
