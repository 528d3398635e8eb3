package models

import "time"

// Backup records an off-array copy of a volume.
type Backup struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // Backup UUID.

	ProjectID string `gorm:"type:varchar(255);not null;index"` // Owning project.
	VolumeID  string `gorm:"type:varchar(36)"`                 // Source volume UUID.

	Size int64 `gorm:"not null"` // Backup size in gigabytes.

	Status string `gorm:"type:varchar(255);not null"` // Current lifecycle status.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
