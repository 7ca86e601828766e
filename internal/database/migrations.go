package database

import (
	"gorm.io/gorm"

	"github.com/jpcarreira/condoflow/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Supplier{},
		&models.Assistance{},
		&models.AccessCode{},
		&models.FollowUpSchedule{},
		&models.ActivityLog{},
		&models.CacheEntry{},
	)
}

// SeedData is a no-op hook kept for parity with start-up expectations;
// suppliers and assistances are created by the surrounding administration
// tool, not by this subsystem.
func SeedData(db *gorm.DB) error {
	return nil
}
