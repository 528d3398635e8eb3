package models

import "time"

// Group is a consistency group of volumes.
type Group struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // Group UUID.

	ProjectID string `gorm:"type:varchar(255);not null;index"` // Owning project.

	Name   string `gorm:"type:varchar(255)"`          // Display name.
	Status string `gorm:"type:varchar(255);not null"` // Current lifecycle status.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
