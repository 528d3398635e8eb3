package models

import "time"

// Volume statuses referenced by the control plane.
const (
	VolumeStatusCreating  = "creating"
	VolumeStatusAvailable = "available"
	VolumeStatusInUse     = "in-use"
	VolumeStatusRetyping  = "retyping"
	VolumeStatusDeleting  = "deleting"
	VolumeStatusError     = "error"
)

// Volume is the authoritative record for one block volume. The quota sync
// functions scan it to recompute true usage for a project.
type Volume struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // Volume UUID.

	ProjectID string `gorm:"type:varchar(255);not null;index"` // Owning project.

	Size int64 `gorm:"not null"` // Capacity in gigabytes.

	Status         string `gorm:"type:varchar(255);not null"` // Current lifecycle status.
	PreviousStatus string `gorm:"type:varchar(255)"`          // Status before the in-flight transition.

	Host    string `gorm:"type:varchar(255)"` // Backend host the volume lives on.
	GroupID string `gorm:"type:varchar(36)"`  // Optional owning group UUID.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
