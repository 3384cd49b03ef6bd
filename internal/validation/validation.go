// Package validation provides input validation utilities
package validation

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
	MaxUsernameLength = 150
	MaxEmailLength    = 254
	MaxTitleLength    = 200
	MaxCommentLength  = 5000
	MaxSlugLength     = 50
)

var (
	usernamePattern = regexp.MustCompile(`^[\w.@+-]+$`)
	slugPattern     = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	digitsOnly      = regexp.MustCompile(`^[0-9]+$`)
)

// ValidatePassword checks length and rejects entirely numeric passwords.
func ValidatePassword(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters long", MinPasswordLength)
	}
	if utf8.RuneCountInString(password) > MaxPasswordLength {
		return fmt.Errorf("password must not exceed %d characters", MaxPasswordLength)
	}
	if digitsOnly.MatchString(password) {
		return errors.New("password cannot be entirely numeric")
	}
	return nil
}

// ValidatePasswordPair validates password1 and checks that password2 repeats it.
func ValidatePasswordPair(password1, password2 string) error {
	if password1 != password2 {
		return errors.New("the two password fields didn't match")
	}
	return ValidatePassword(password1)
}

// ValidateUsername allows letters, digits and @/./+/-/_ up to 150 characters.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username is required")
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
	}
	if !usernamePattern.MatchString(username) {
		return errors.New("username may contain only letters, numbers, and @/./+/-/_ characters")
	}
	return nil
}

// ValidateEmail checks basic email format
func ValidateEmail(email string) error {
	if email == "" {
		return errors.New("email is required")
	}
	if len(email) > MaxEmailLength {
		return fmt.Errorf("email must not exceed %d characters", MaxEmailLength)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return errors.New("enter a valid email address")
	}
	return nil
}

// ValidateSlug checks a user-supplied review slug.
func ValidateSlug(slug string) error {
	if len(slug) > MaxSlugLength {
		return fmt.Errorf("slug must not exceed %d characters", MaxSlugLength)
	}
	if !slugPattern.MatchString(slug) {
		return errors.New("slug may contain only letters, numbers, underscores and hyphens")
	}
	return nil
}

// ValidateTitle requires a non-blank title of at most 200 characters.
func ValidateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return errors.New("this field is required")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return fmt.Errorf("title must not exceed %d characters", MaxTitleLength)
	}
	return nil
}
