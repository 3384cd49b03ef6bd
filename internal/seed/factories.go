// Package seed loads account fixtures and generates demo content for
// development databases.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lineage/internal/middleware"
	"lineage/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// DemoPassword is shared by every generated user.
const DemoPassword = "password123"

// Options controls demo generation.
type Options struct {
	Users        int
	PostsPerUser int
	// InactiveEvery hides every Nth post; zero keeps all posts active.
	InactiveEvery int
	// Seed makes generation reproducible; zero picks a random seed.
	Seed       int64
	BcryptCost int
}

// Summary counts what Demo created.
type Summary struct {
	Users    int
	Posts    int
	Inactive int
	Origins  int
	Comments int
	Reviews  int
}

// Factory builds and persists demo entities.
type Factory struct {
	db    *gorm.DB
	faker *gofakeit.Faker
	opts  Options
	now   time.Time
}

// NewFactory binds a factory to db.
func NewFactory(db *gorm.DB, opts Options) *Factory {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	return &Factory{db: db, faker: gofakeit.New(seed), opts: opts, now: time.Now()}
}

// BuildUser returns an unsaved user whose username and email are unique for n.
func (f *Factory) BuildUser(n int, passwordHash string) *models.User {
	first, last := f.faker.FirstName(), f.faker.LastName()
	username := fmt.Sprintf("%s.%s%d", handle(first), handle(last), n)
	return &models.User{
		Username:  username,
		Email:     username + "@example.com",
		FirstName: first,
		LastName:  last,
		Password:  passwordHash,
	}
}

// handle lowercases name and drops anything a username may not contain.
func handle(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return -1
	}, name)
}

// BuildPost returns an unsaved active post with zero to three origins and a
// creation time within the last 90 days.
func (f *Factory) BuildPost(author *models.User) *models.Post {
	authorID := author.ID
	post := &models.Post{
		Title:     strings.TrimSuffix(f.faker.Sentence(f.faker.Number(2, 6)), "."),
		Content:   f.faker.Paragraph(1, 3, 12, "\n\n"),
		UserID:    &authorID,
		IsActive:  true,
		CreatedAt: f.faker.DateRange(f.now.AddDate(0, 0, -90), f.now),
	}
	for i, n := 0, f.faker.Number(0, 3); i < n; i++ {
		post.Origins = append(post.Origins, models.Origin{
			ParentName:  f.faker.LastName(),
			Origin:      f.faker.City() + ", " + f.faker.Country(),
			Description: f.faker.Sentence(10),
		})
	}
	return post
}

// BuildReview returns an unsaved review with a slug unique for n.
func (f *Factory) BuildReview(post *models.Post, reviewer *models.User, n int) *models.Review {
	return &models.Review{
		PostID: post.ID,
		UserID: reviewer.ID,
		Text:   f.faker.Paragraph(1, 2, 10, " "),
		Rating: f.faker.Number(models.MinRating, models.MaxRating),
		Slug:   fmt.Sprintf("%s-%d", strings.ToLower(f.faker.LetterN(8)), n),
	}
}

// Demo generates users, posts, origins, comments and reviews in one
// transaction.
func (f *Factory) Demo(ctx context.Context) (*Summary, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(DemoPassword), f.opts.BcryptCost)
	if err != nil {
		return nil, err
	}

	sum := &Summary{}
	err = f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		users := make([]*models.User, 0, f.opts.Users)
		for i := 0; i < f.opts.Users; i++ {
			u := f.BuildUser(i, string(hash))
			if err := tx.Create(u).Error; err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			users = append(users, u)
		}
		sum.Users = len(users)

		for _, author := range users {
			for j := 0; j < f.opts.PostsPerUser; j++ {
				post := f.BuildPost(author)
				if err := tx.Create(post).Error; err != nil {
					return fmt.Errorf("create post: %w", err)
				}
				sum.Posts++
				sum.Origins += len(post.Origins)

				// is_active defaults to true on insert, so hiding is a second write
				if f.opts.InactiveEvery > 0 && sum.Posts%f.opts.InactiveEvery == 0 {
					if err := tx.Model(post).Update("is_active", false).Error; err != nil {
						return err
					}
					sum.Inactive++
				}

				if err := f.engage(tx, post, author, users, sum); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	middleware.Logger.InfoContext(ctx, "demo data generated",
		slog.Int("users", sum.Users), slog.Int("posts", sum.Posts),
		slog.Int("comments", sum.Comments), slog.Int("reviews", sum.Reviews))
	return sum, nil
}

// engage adds comments and reviews from users other than the author.
func (f *Factory) engage(tx *gorm.DB, post *models.Post, author *models.User, users []*models.User, sum *Summary) error {
	for i, n := 0, f.faker.Number(0, 4); i < n; i++ {
		comment := models.Comment{PostID: post.ID, Text: f.faker.Sentence(f.faker.Number(4, 16))}
		if err := tx.Create(&comment).Error; err != nil {
			return fmt.Errorf("create comment: %w", err)
		}
		sum.Comments++
	}

	for _, reviewer := range users {
		if reviewer.ID == author.ID || !f.faker.Bool() {
			continue
		}
		if err := tx.Create(f.BuildReview(post, reviewer, sum.Reviews)).Error; err != nil {
			return fmt.Errorf("create review: %w", err)
		}
		sum.Reviews++
	}
	return nil
}

// ClearAll deletes every post, child row and user.
func ClearAll(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range []interface{}{
			&models.Review{}, &models.Comment{}, &models.Origin{}, &models.Post{},
			&models.UserCapability{}, &models.User{},
		} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(table).Error; err != nil {
				return fmt.Errorf("clear %T: %w", table, err)
			}
		}
		return nil
	})
}
