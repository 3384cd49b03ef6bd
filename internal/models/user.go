// Package models contains data structures for the application's domain models.
package models

import "time"

// User represents an account that can author posts and reviews.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"size:150;uniqueIndex;not null" json:"username"`
	// Email is only rendered to its owner, see the account response.
	Email     string    `gorm:"size:254;uniqueIndex;not null" json:"-"`
	FirstName string    `gorm:"size:100" json:"first_name"`
	LastName  string    `gorm:"size:100" json:"last_name"`
	Password  string    `gorm:"not null" json:"-"`
	IsAdmin   bool      `gorm:"not null;default:false" json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Capabilities []UserCapability `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"capabilities,omitempty"`
}

// UserCapability grants a named permission to a user.
type UserCapability struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	UserID     uint      `gorm:"not null;uniqueIndex:idx_user_capability" json:"-"`
	Capability string    `gorm:"size:64;not null;uniqueIndex:idx_user_capability" json:"capability"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName specifies the table name for GORM.
func (UserCapability) TableName() string {
	return "user_capabilities"
}

// CapabilityNames flattens the preloaded capability rows.
func (u *User) CapabilityNames() []string {
	names := make([]string, 0, len(u.Capabilities))
	for _, c := range u.Capabilities {
		names = append(names, c.Capability)
	}
	return names
}
