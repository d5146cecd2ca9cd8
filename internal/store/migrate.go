package store

import (
	"gorm.io/gorm"

	"github.com/STSynthetic/GF-25-v3/internal/domain"
)

// AutoMigrateAll creates or updates every table this service owns.
func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Process{},
		&domain.Task{},
		&domain.QAAttempt{},
		&domain.AuditEvent{},
	)
}
