package models

import "time"

// DefaultQuotaClassName is the class consulted for fallback limits.
const DefaultQuotaClassName = "default"

// QuotaClass stores a named set of fallback resource limits. Projects
// without a per-project Quota row fall back to the default class.
type QuotaClass struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ClassName string `gorm:"type:varchar(255);not null;uniqueIndex:idx_quota_classes_class_resource"` // Class name.
	Resource  string `gorm:"type:varchar(255);not null;uniqueIndex:idx_quota_classes_class_resource"` // Resource name.

	HardLimit int64 `gorm:"not null"` // Upper bound; negative means unlimited.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
