package db

import (
	"errors"
	"fmt"

	"github.com/nebulatech/volquota/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates all tables used by the accounting core.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("db: nil connection")
	}

	tables := []any{
		&models.Quota{},
		&models.QuotaClass{},
		&models.QuotaUsage{},
		&models.Reservation{},
		&models.Volume{},
		&models.Snapshot{},
		&models.Backup{},
		&models.Group{},
		&models.Admin{},
		&models.Setting{},
	}
	for _, table := range tables {
		if errMigrate := conn.AutoMigrate(table); errMigrate != nil {
			return fmt.Errorf("db: migrate %T: %w", table, errMigrate)
		}
	}
	return nil
}
