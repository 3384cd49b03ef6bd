package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"lineage/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestPostRepository_Create(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostRepository(db)

	post := &models.Post{Title: "Test Post", Content: "Content", IsActive: true}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "posts"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	require.NoError(t, repo.Create(context.Background(), post))
	assert.Equal(t, uint(1), post.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostRepository_IncrementViews(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "posts" SET "views"=views \+ \$1 WHERE id = \$2`).
		WithArgs(1, 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .*views.* FROM "posts" WHERE id = \$1`).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"views"}).AddRow(200))
	mock.ExpectCommit()

	views, err := repo.IncrementViews(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(200), views)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostRepository_IncrementViews_Missing(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "posts" SET "views"=views \+ \$1`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := repo.IncrementViews(context.Background(), 99)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostRepository_ToggleActive(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "posts" SET "is_active"=NOT is_active WHERE id = \$1`).
		WithArgs(3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .*is_active.* FROM "posts" WHERE id = \$1`).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(false))
	mock.ExpectCommit()

	active, err := repo.ToggleActive(context.Background(), 3)
	require.NoError(t, err)
	assert.False(t, active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostRepository_DeleteCascades(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostRepository(db)

	mock.ExpectBegin()
	for _, table := range []string{"origins", "comments", "reviews"} {
		mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "` + table + `" WHERE post_id = $1`)).
			WithArgs(5).
			WillReturnResult(sqlmock.NewResult(0, 2))
	}
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "posts" WHERE "posts"."id" = $1`)).
		WithArgs(5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Delete(context.Background(), 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostRepository_SearchEscapesWildcards(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "posts" WHERE (LOWER(posts.title) LIKE $1 ESCAPE '\' OR posts.id IN (SELECT origins.post_id FROM origins WHERE LOWER(origins.origin) LIKE $2 ESCAPE '\')) AND posts.is_active = $3`)).
		WithArgs(`%50\%\_off%`, `%50\%\_off%`, true).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "posts" WHERE`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow(1, "50%_off"))

	posts, total, err := repo.Search(context.Background(), "50%_OFF", PostFilter{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, posts, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostRepository_SearchMatchesTitleOrOriginOnce(t *testing.T) {
	db := setupSQLiteDB(t)
	repo := NewPostRepository(db)
	ctx := context.Background()
	now := time.Now()

	byTitle := seedPost(t, db, nil, "Roman Roads", true, now.Add(-3*time.Hour))
	byOrigins := seedPost(t, db, nil, "Aqueducts", true, now.Add(-2*time.Hour), "Rome", "Old Rome", "Romania")
	seedPost(t, db, nil, "Hidden Rome", false, now.Add(-1*time.Hour))
	seedPost(t, db, nil, "Athens", true, now, "Greece")

	posts, total, err := repo.Search(ctx, "ROM", PostFilter{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, posts, 2)
	assert.Equal(t, byOrigins.ID, posts[0].ID, "newest first")
	assert.Equal(t, byTitle.ID, posts[1].ID)

	posts, total, err = repo.Search(ctx, "rom", PostFilter{Limit: 5, IncludeInactive: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, posts, 3)
}

func TestPostRepository_ListPagesNewestFirst(t *testing.T) {
	db := setupSQLiteDB(t)
	repo := NewPostRepository(db)
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 7; i++ {
		seedPost(t, db, nil, "post", true, base.Add(time.Duration(i)*time.Minute))
	}

	first, total, err := repo.List(context.Background(), PostFilter{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
	require.Len(t, first, 5)
	assert.True(t, first[0].CreatedAt.After(first[4].CreatedAt))

	second, _, err := repo.List(context.Background(), PostFilter{Limit: 5, Offset: 5})
	require.NoError(t, err)
	assert.Len(t, second, 2)
}

func TestPostRepository_UpdateOriginFormset(t *testing.T) {
	db := setupSQLiteDB(t)
	repo := NewPostRepository(db)
	ctx := context.Background()

	post := seedPost(t, db, nil, "before", true, time.Now(), "keep", "drop")
	keep, drop := post.Origins[0], post.Origins[1]

	post.Title = "after"
	changes := []OriginChange{
		{ID: keep.ID, Origin: models.Origin{Origin: "kept", ParentName: "p"}},
		{ID: drop.ID, Delete: true},
		{Origin: models.Origin{Origin: "added"}},
		{Origin: models.Origin{}},
	}
	require.NoError(t, repo.Update(ctx, post, changes))

	got, err := repo.GetByID(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Title)
	require.Len(t, got.Origins, 2)
	assert.Equal(t, "kept", got.Origins[0].Origin)
	assert.Equal(t, "p", got.Origins[0].ParentName)
	assert.Equal(t, "added", got.Origins[1].Origin)
}

func TestPostRepository_UpdateRejectsForeignOrigin(t *testing.T) {
	db := setupSQLiteDB(t)
	repo := NewPostRepository(db)
	ctx := context.Background()

	mine := seedPost(t, db, nil, "mine", true, time.Now())
	other := seedPost(t, db, nil, "other", true, time.Now(), "theirs")

	mine.Title = "changed"
	err := repo.Update(ctx, mine, []OriginChange{{ID: other.Origins[0].ID, Origin: models.Origin{Origin: "stolen"}}})
	require.Error(t, err)
	assert.Equal(t, models.CodeValidation, models.ErrorCode(err))

	got, err := repo.GetByID(ctx, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Title, "the whole submission rolls back")
}

func TestPostRepository_DeleteRemovesChildren(t *testing.T) {
	db := setupSQLiteDB(t)
	repo := NewPostRepository(db)
	ctx := context.Background()

	author := seedUser(t, db, "author")
	post := seedPost(t, db, author, "doomed", true, time.Now(), "o1")
	require.NoError(t, db.Create(&models.Comment{PostID: post.ID, Text: "c"}).Error)
	require.NoError(t, db.Create(&models.Review{PostID: post.ID, UserID: author.ID, Text: "r", Rating: 4, Slug: "s1"}).Error)

	require.NoError(t, repo.Delete(ctx, post.ID))

	for _, model := range []interface{}{&models.Origin{}, &models.Comment{}, &models.Review{}} {
		var n int64
		require.NoError(t, db.Model(model).Where("post_id = ?", post.ID).Count(&n).Error)
		assert.Zero(t, n, "%T rows left", model)
	}
	assert.ErrorIs(t, repo.Delete(ctx, post.ID), gorm.ErrRecordNotFound)
}

func TestPostRepository_ToggleActiveTwiceRestores(t *testing.T) {
	db := setupSQLiteDB(t)
	repo := NewPostRepository(db)
	ctx := context.Background()

	post := seedPost(t, db, nil, "t", true, time.Now())

	active, err := repo.ToggleActive(ctx, post.ID)
	require.NoError(t, err)
	assert.False(t, active)

	active, err = repo.ToggleActive(ctx, post.ID)
	require.NoError(t, err)
	assert.True(t, active)
}
