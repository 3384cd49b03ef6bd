package service

import (
	"context"
	"strings"
	"testing"

	"lineage/internal/models"
	"lineage/internal/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommentService_CreateComment(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	alice := seedUser(t, s.db, "alice")
	mod := seedUser(t, s.db, "mod")
	post := seedPost(t, s.db, alice, "open", true)
	hidden := seedPost(t, s.db, alice, "hidden", false)

	t.Run("empty text", func(t *testing.T) {
		_, err := s.comments.CreateComment(ctx, policy.Anonymous(), post.ID, "   ")
		appErr := requireCode(t, err, models.CodeValidation)
		assert.Contains(t, appErr.Fields, "text")
	})

	t.Run("too long", func(t *testing.T) {
		_, err := s.comments.CreateComment(ctx, policy.Anonymous(), post.ID, strings.Repeat("a", 5001))
		requireCode(t, err, models.CodeValidation)
	})

	t.Run("anonymous on visible post", func(t *testing.T) {
		c, err := s.comments.CreateComment(ctx, policy.Anonymous(), post.ID, "  nice tree  ")
		require.NoError(t, err)
		assert.Equal(t, "nice tree", c.Text)
		assert.NotZero(t, c.ID)
	})

	t.Run("hidden post", func(t *testing.T) {
		_, err := s.comments.CreateComment(ctx, viewer(alice), hidden.ID, "hi")
		requireCode(t, err, models.CodeAccessDenied)

		_, err = s.comments.CreateComment(ctx, moderator(mod), hidden.ID, "hi")
		require.NoError(t, err)
	})

	t.Run("missing post", func(t *testing.T) {
		_, err := s.comments.CreateComment(ctx, policy.Anonymous(), 9999, "hi")
		requireCode(t, err, models.CodeNotFound)
	})
}

func TestCommentService_ListComments(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	alice := seedUser(t, s.db, "alice")
	post := seedPost(t, s.db, alice, "open", true)

	empty, err := s.comments.ListComments(ctx, policy.Anonymous(), post.ID)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	for _, text := range []string{"first", "second"} {
		_, err := s.comments.CreateComment(ctx, policy.Anonymous(), post.ID, text)
		require.NoError(t, err)
	}

	comments, err := s.comments.ListComments(ctx, policy.Anonymous(), post.ID)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "second", comments[0].Text, "newest first")

	mod := seedUser(t, s.db, "mod")
	_, err = s.posts.ToggleActive(ctx, moderator(mod), post.ID)
	require.NoError(t, err)

	_, err = s.comments.ListComments(ctx, policy.Anonymous(), post.ID)
	requireCode(t, err, models.CodeAccessDenied)
}
