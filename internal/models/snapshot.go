package models

import "time"

// Snapshot records a point-in-time copy of a volume.
type Snapshot struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // Snapshot UUID.

	ProjectID string `gorm:"type:varchar(255);not null;index"` // Owning project.
	VolumeID  string `gorm:"type:varchar(36);not null;index"`  // Source volume UUID.

	VolumeSize int64 `gorm:"not null"` // Size of the source volume in gigabytes.

	Status string `gorm:"type:varchar(255);not null"` // Current lifecycle status.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
