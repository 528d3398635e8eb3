package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	dbutil "github.com/nebulatech/volquota/internal/db"
	"github.com/nebulatech/volquota/internal/models"

	"gorm.io/gorm"
)

// RefreshUsage recomputes in_use from the domain tables for the given
// resources of a project, creating usage rows that do not exist yet. A nil
// or empty resource list refreshes every tracked resource. Reserved is
// never touched; outstanding reservations keep their claim.
func (l *Ledger) RefreshUsage(ctx context.Context, projectID string, resources []string) error {
	if l == nil || l.db == nil {
		return errors.New("quota: ledger not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(resources) == 0 {
		resources = KnownResources()
	}
	for _, resource := range resources {
		if _, ok := l.syncers[resource]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownResource, resource)
		}
	}

	retryable := func(err error) bool {
		return dbutil.IsDeadlock(err) || dbutil.IsDuplicate(err)
	}
	return dbutil.WithRetryOn(ctx, retryable, func() error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			usages, errLock := lockQuotaUsages(ctx, tx, projectID, resources)
			if errLock != nil {
				return errLock
			}

			now := time.Now().UTC()
			for _, resource := range resources {
				inUse, errSync := l.syncUsage(ctx, tx, projectID, resource)
				if errSync != nil {
					return errSync
				}

				usage, ok := usages[resource]
				if !ok {
					row := models.QuotaUsage{
						ProjectID: projectID,
						Resource:  resource,
						InUse:     inUse,
					}
					if errCreate := tx.Create(&row).Error; errCreate != nil {
						return errCreate
					}
					continue
				}

				usage.InUse = inUse
				usage.UntilRefresh = nil
				usage.UpdatedAt = now
				if errSave := tx.Save(usage).Error; errSave != nil {
					return errSave
				}
			}
			return nil
		})
	})
}
