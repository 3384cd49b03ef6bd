package models

import "time"

// Post represents an authored piece of content.
type Post struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Title    string `gorm:"size:200;not null" json:"title"`
	Content  string `gorm:"type:text;not null" json:"content"`
	Image    string `gorm:"size:255" json:"image,omitempty"`
	UserID   *uint  `gorm:"index" json:"user_id"`
	User     *User  `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"author,omitempty"`
	IsActive bool   `gorm:"not null;default:true;index" json:"is_active"`
	// Views only grows; see PostRepository.IncrementViews.
	Views     int64     `gorm:"not null;default:0" json:"views"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Origins  []Origin  `gorm:"foreignKey:PostID;constraint:OnDelete:CASCADE" json:"origins,omitempty"`
	Comments []Comment `gorm:"foreignKey:PostID;constraint:OnDelete:CASCADE" json:"comments,omitempty"`
	Reviews  []Review  `gorm:"foreignKey:PostID;constraint:OnDelete:CASCADE" json:"reviews,omitempty"`
}

// IsAuthoredBy reports whether userID owns the post.
func (p *Post) IsAuthoredBy(userID uint) bool {
	return p.UserID != nil && userID != 0 && *p.UserID == userID
}

// AuthorEmail returns the preloaded author's email, or "".
func (p *Post) AuthorEmail() string {
	if p.User == nil {
		return ""
	}
	return p.User.Email
}

// PostPage is one page of a post listing or search.
type PostPage struct {
	Posts   []*Post `json:"posts"`
	Page    int     `json:"page"`
	PerPage int     `json:"per_page"`
	Total   int64   `json:"total"`
	HasNext bool    `json:"has_next"`
}
