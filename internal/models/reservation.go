package models

import "time"

// Reservation is a time-bounded tentative claim of delta units against a
// QuotaUsage row. It is resolved exactly once by commit, rollback or
// expiry; resolution always deletes the row.
type Reservation struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UUID    string `gorm:"type:varchar(36);not null;uniqueIndex"` // Caller-facing reservation identifier.
	UsageID uint64 `gorm:"not null;index"`                        // Back-reference to the owning QuotaUsage row.

	ProjectID string `gorm:"type:varchar(255);not null;index"` // Owning project.
	Resource  string `gorm:"type:varchar(255);not null"`       // Resource name.

	Delta  int64     `gorm:"not null"`       // Claimed units; may be negative for resize-down.
	Expire time.Time `gorm:"not null;index"` // Lease deadline; past-due rows are swept by the expirer.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
