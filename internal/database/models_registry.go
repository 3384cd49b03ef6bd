package database

import "lineage/internal/models"

// PersistentModels returns the authoritative set of schema-managed GORM models.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.UserCapability{},
		&models.Post{},
		&models.Origin{},
		&models.Comment{},
		&models.Review{},
	}
}
