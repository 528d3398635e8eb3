package models

import "time"

// QuotaUsage is the running ledger row for one (project, resource) pair.
// in_use counts allocated units and reserved counts tentatively claimed
// units; both are lower bounds that refresh can heal but never drive
// negative.
type QuotaUsage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key; lock acquisition orders by it.

	ProjectID string `gorm:"type:varchar(255);not null;uniqueIndex:idx_quota_usages_project_resource"` // Owning project.
	Resource  string `gorm:"type:varchar(255);not null;uniqueIndex:idx_quota_usages_project_resource"` // Resource name.

	InUse    int64 `gorm:"not null"` // Allocated units.
	Reserved int64 `gorm:"not null"` // Tentatively claimed units.

	UntilRefresh *int64 `gorm:""` // Reservations left before a forced refresh; nil disables the countdown.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Staleness reference for max-age refresh.
}
