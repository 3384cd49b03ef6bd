package seed

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"lineage/internal/middleware"
	"lineage/internal/models"
	"lineage/internal/policy"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:embed fixtures/*.yml
var fixtureFS embed.FS

const usersFixture = "fixtures/users.yml"

// UserFixture is one account in fixtures/users.yml.
type UserFixture struct {
	Username     string   `yaml:"username"`
	Email        string   `yaml:"email"`
	Password     string   `yaml:"password"`
	FirstName    string   `yaml:"first_name"`
	LastName     string   `yaml:"last_name"`
	IsAdmin      bool     `yaml:"is_admin"`
	Capabilities []string `yaml:"capabilities"`
}

type userFixtures struct {
	Users []UserFixture `yaml:"users"`
}

// LoadUserFixtures parses the embedded account fixtures.
func LoadUserFixtures() ([]UserFixture, error) {
	raw, err := fixtureFS.ReadFile(usersFixture)
	if err != nil {
		return nil, err
	}
	return parseUserFixtures(raw)
}

func parseUserFixtures(raw []byte) ([]UserFixture, error) {
	var doc userFixtures
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse user fixtures: %w", err)
	}
	for i, u := range doc.Users {
		if u.Username == "" || u.Email == "" || u.Password == "" {
			return nil, fmt.Errorf("user fixture %d: username, email and password are required", i)
		}
		for _, name := range u.Capabilities {
			if _, ok := policy.ParseCapability(name); !ok {
				return nil, fmt.Errorf("user fixture %q: unknown capability %q", u.Username, name)
			}
		}
	}
	return doc.Users, nil
}

// ApplyUserFixtures creates the fixture accounts that do not exist yet and
// grants every listed capability. It returns the number of users created.
func ApplyUserFixtures(ctx context.Context, db *gorm.DB, fixtures []UserFixture, bcryptCost int) (int, error) {
	created := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, f := range fixtures {
			var user models.User
			err := tx.Where("username = ?", f.Username).First(&user).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				hash, herr := bcrypt.GenerateFromPassword([]byte(f.Password), bcryptCost)
				if herr != nil {
					return herr
				}
				user = models.User{
					Username:  f.Username,
					Email:     f.Email,
					FirstName: f.FirstName,
					LastName:  f.LastName,
					Password:  string(hash),
					IsAdmin:   f.IsAdmin,
				}
				if err := tx.Create(&user).Error; err != nil {
					return fmt.Errorf("create %s: %w", f.Username, err)
				}
				created++
			case err != nil:
				return err
			}

			for _, name := range f.Capabilities {
				grant := models.UserCapability{UserID: user.ID, Capability: name}
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&grant).Error; err != nil {
					return fmt.Errorf("grant %s to %s: %w", name, f.Username, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	middleware.Logger.InfoContext(ctx, "user fixtures applied",
		slog.Int("created", created), slog.Int("total", len(fixtures)))
	return created, nil
}
