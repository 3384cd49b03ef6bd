package models

// Origin is a structured attribute block attached to a post and edited
// together with it.
type Origin struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	PostID      uint   `gorm:"not null;index" json:"post_id"`
	ParentName  string `gorm:"size:200" json:"parent_name"`
	Origin      string `gorm:"size:200;index" json:"origin"`
	Description string `gorm:"type:text" json:"description"`
}

// IsBlank reports whether every editable field is empty.
func (o *Origin) IsBlank() bool {
	return o.ParentName == "" && o.Origin == "" && o.Description == ""
}
