package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"lineage/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReviewRepository_SlugExists(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewReviewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "reviews" WHERE slug = $1`)).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	exists, err := repo.SlugExists(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReviewRepository_TransactionRollsBack(t *testing.T) {
	db := setupSQLiteDB(t)
	repo := NewReviewRepository(db)
	ctx := context.Background()

	author := seedUser(t, db, "reviewer")
	post := seedPost(t, db, author, "p", true, time.Now())

	boom := errors.New("boom")
	err := repo.Transaction(ctx, func(tx ReviewRepository) error {
		require.NoError(t, tx.Create(ctx, &models.Review{PostID: post.ID, UserID: author.ID, Text: "x", Rating: 2, Slug: "gone"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	exists, err := repo.SlugExists(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReviewRepository_DuplicateSlugIsUniqueViolation(t *testing.T) {
	db := setupSQLiteDB(t)
	repo := NewReviewRepository(db)
	ctx := context.Background()

	author := seedUser(t, db, "reviewer")
	post := seedPost(t, db, author, "p", true, time.Now())

	require.NoError(t, repo.Create(ctx, &models.Review{PostID: post.ID, UserID: author.ID, Text: "a", Rating: 5, Slug: "same"}))
	err := repo.Create(ctx, &models.Review{PostID: post.ID, UserID: author.ID, Text: "b", Rating: 5, Slug: "same"})
	assert.True(t, IsUniqueViolation(err))

	got, err := repo.GetBySlug(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Text)
	require.NotNil(t, got.User)
	assert.Equal(t, "reviewer", got.User.Username)

	_, err = repo.GetBySlug(ctx, "missing")
	assert.True(t, IsNotFound(err))
}
