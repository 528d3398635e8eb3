package models

import "time"

// Quota stores a per-project override of a resource's hard limit.
type Quota struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ProjectID string `gorm:"type:varchar(255);not null;uniqueIndex:idx_quotas_project_resource"` // Owning project.
	Resource  string `gorm:"type:varchar(255);not null;uniqueIndex:idx_quotas_project_resource"` // Resource name.

	HardLimit int64 `gorm:"not null"` // Upper bound; negative means unlimited.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
