package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	dbutil "github.com/nebulatech/volquota/internal/db"
	"github.com/nebulatech/volquota/internal/models"
	internalsettings "github.com/nebulatech/volquota/internal/settings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Ledger arbitrates quota consumption for every project sharing one
// relational store. All coordination happens through the store's row locks
// and transactions; the Ledger itself keeps no mutable state, so any number
// of instances across processes may operate on the same database.
//
// Every code path that locks both usage and reservation rows acquires the
// usage rows first, in ascending id order, and reservation rows second.
// This single global ordering is what prevents deadlock cycles between
// concurrent reserve, commit, rollback and expire calls.
type Ledger struct {
	db      *gorm.DB
	syncers map[string]SyncFunc
}

// NewLedger constructs a Ledger over the shared store connection.
func NewLedger(conn *gorm.DB) *Ledger {
	if conn == nil {
		return nil
	}
	syncers := make(map[string]SyncFunc, len(syncFunctions))
	for name, fn := range syncFunctions {
		syncers[name] = fn
	}
	return &Ledger{db: conn, syncers: syncers}
}

// WithSyncFunc overrides the sync function for one resource and returns
// the ledger for chaining.
func (l *Ledger) WithSyncFunc(resource string, fn SyncFunc) *Ledger {
	if l == nil || fn == nil {
		return l
	}
	l.syncers[resource] = fn
	return l
}

// Reserve claims deltas[resource] additional units for every listed
// resource and returns one reservation identifier per resource, or an
// *OverQuotaError when any resource would exceed its hard limit in quotas
// (a negative limit means unlimited).
//
// Usage rows are created lazily: the locked read cannot lock rows that do
// not exist yet, so missing rows are synced from the domain tables and
// inserted in an independently committed transaction before the locked
// read restarts from the top. Races with concurrent callers inserting the
// same rows surface as duplicate-key or deadlock failures and are retried
// transparently.
//
// untilRefresh (reservations until a forced usage refresh) and maxAge
// (staleness bound on usage rows) control when a usage row is healed from
// the sync functions; zero disables each. A zero expireAt defaults to the
// configured reservation lease.
func (l *Ledger) Reserve(ctx context.Context, projectID string, quotas map[string]int64, deltas map[string]int64, expireAt time.Time, untilRefresh int64, maxAge time.Duration) ([]string, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("quota: ledger not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(deltas) == 0 {
		return nil, nil
	}
	for resource := range deltas {
		if _, ok := l.syncers[resource]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownResource, resource)
		}
	}
	if expireAt.IsZero() {
		expireAt = time.Now().UTC().Add(internalsettings.ReservationLease())
	}

	var ids []string
	retryable := func(err error) bool {
		return dbutil.IsDeadlock(err) || dbutil.IsDuplicate(err)
	}
	errReserve := dbutil.WithRetryOn(ctx, retryable, func() error {
		var errAttempt error
		ids, errAttempt = l.reserveAttempt(ctx, projectID, quotas, deltas, expireAt, untilRefresh, maxAge)
		return errAttempt
	})
	if errReserve != nil {
		return nil, errReserve
	}
	return ids, nil
}

// reserveAttempt is one full pass of the reserve algorithm, including the
// usage bootstrap loop.
func (l *Ledger) reserveAttempt(ctx context.Context, projectID string, quotas map[string]int64, deltas map[string]int64, expireAt time.Time, untilRefresh int64, maxAge time.Duration) ([]string, error) {
	resources := sortedResources(deltas)

	// Loop until the locked read covers every requested resource. FOR
	// UPDATE cannot lock rows that do not exist, so missing rows are
	// created and committed independently, then the read restarts; this
	// also protects against rows deleted out from under us between
	// iterations.
	for {
		tx := l.db.WithContext(ctx).Begin()
		if tx.Error != nil {
			return nil, tx.Error
		}

		usages, errLock := lockQuotaUsages(ctx, tx, projectID, resources)
		if errLock != nil {
			tx.Rollback()
			return nil, errLock
		}

		var missing []string
		for _, resource := range resources {
			if _, ok := usages[resource]; !ok {
				missing = append(missing, resource)
			}
		}
		if len(missing) == 0 {
			ids, errLocked := l.reserveLocked(ctx, tx, projectID, usages, quotas, deltas, expireAt, untilRefresh, maxAge)
			if errLocked != nil {
				if IsOverQuota(errLocked) {
					// Usage refreshes performed above are valid regardless
					// of this request being rejected; keep them.
					if errCommit := tx.Commit().Error; errCommit != nil {
						return nil, errCommit
					}
					return nil, errLocked
				}
				tx.Rollback()
				return nil, errLocked
			}
			if errCommit := tx.Commit().Error; errCommit != nil {
				return nil, errCommit
			}
			return ids, nil
		}

		// Compute true current usage for the missing rows instead of
		// assuming zero; operators delete usage rows to force a refresh
		// through this same path.
		for _, resource := range missing {
			inUse, errSync := l.syncUsage(ctx, tx, projectID, resource)
			if errSync != nil {
				tx.Rollback()
				return nil, errSync
			}
			row := models.QuotaUsage{
				ProjectID:    projectID,
				Resource:     resource,
				InUse:        inUse,
				Reserved:     0,
				UntilRefresh: untilRefreshValue(untilRefresh),
			}
			if errCreate := tx.Create(&row).Error; errCreate != nil {
				tx.Rollback()
				return nil, errCreate
			}
		}

		// A concurrent caller may be inserting the same rows right now;
		// this commit then fails with a duplicate key or a deadlock, the
		// transaction rolls back and the retry wrapper restarts the whole
		// attempt. Both are transient, not fatal.
		if errCommit := tx.Commit().Error; errCommit != nil {
			return nil, errCommit
		}
	}
}

// reserveLocked runs the admission decision while every usage row for the
// request is locked.
func (l *Ledger) reserveLocked(ctx context.Context, tx *gorm.DB, projectID string, usages map[string]*models.QuotaUsage, quotas map[string]int64, deltas map[string]int64, expireAt time.Time, untilRefresh int64, maxAge time.Duration) ([]string, error) {
	now := time.Now().UTC()
	dirty := make(map[string]bool)

	for _, resource := range sortedResources(deltas) {
		usage := usages[resource]

		refresh := false
		if usage.InUse < 0 {
			// Negative in_use indicates a prior desync; heal it.
			refresh = true
		} else if usage.UntilRefresh != nil {
			*usage.UntilRefresh--
			dirty[resource] = true
			if *usage.UntilRefresh <= 0 {
				refresh = true
			}
		} else if maxAge > 0 && now.Sub(usage.UpdatedAt.UTC()) >= maxAge {
			refresh = true
		}

		if refresh {
			inUse, errSync := l.syncUsage(ctx, tx, projectID, resource)
			if errSync != nil {
				return nil, errSync
			}
			usage.InUse = inUse
			usage.UntilRefresh = untilRefreshValue(untilRefresh)
			dirty[resource] = true
		} else {
			// Update the countdown only when that is an improvement:
			// enabling it, disabling it, or lowering it. Never raise it.
			current := int64(0)
			if usage.UntilRefresh != nil {
				current = *usage.UntilRefresh
			}
			if (usage.UntilRefresh == nil && untilRefresh > 0) || current > untilRefresh {
				usage.UntilRefresh = untilRefreshValue(untilRefresh)
				dirty[resource] = true
			}
		}
	}

	var unders []string
	for resource, delta := range deltas {
		if delta < 0 && delta+usages[resource].InUse < 0 {
			unders = append(unders, resource)
		}
	}

	// Only positive increments are admission-checked: a project already
	// over quota must still be able to reduce its consumption.
	var overs []string
	for resource, delta := range deltas {
		hardLimit, ok := quotas[resource]
		if !ok {
			hardLimit = -1
		}
		if hardLimit >= 0 && delta >= 0 && hardLimit < delta+usages[resource].InUse+usages[resource].Reserved {
			overs = append(overs, resource)
		}
	}

	if len(unders) > 0 {
		sort.Strings(unders)
		log.Warnf("quota: reservation would make usage less than 0 for resources %v; on commit they will be limited to prevent going below 0", unders)
	}

	if len(overs) > 0 {
		snapshot := make(map[string]Usage, len(usages))
		for resource, usage := range usages {
			snapshot[resource] = Usage{InUse: usage.InUse, Reserved: usage.Reserved}
		}
		if errSave := saveDirtyUsages(ctx, tx, usages, dirty); errSave != nil {
			return nil, errSave
		}
		return nil, newOverQuotaError(overs, quotas, snapshot)
	}

	ids := make([]string, 0, len(deltas))
	for _, resource := range sortedResources(deltas) {
		delta := deltas[resource]
		usage := usages[resource]
		reservation := models.Reservation{
			UUID:      uuid.NewString(),
			UsageID:   usage.ID,
			ProjectID: projectID,
			Resource:  resource,
			Delta:     delta,
			Expire:    expireAt.UTC(),
		}
		if errCreate := tx.Create(&reservation).Error; errCreate != nil {
			return nil, errCreate
		}
		ids = append(ids, reservation.UUID)

		// Only positive deltas claim reserved capacity. A resize-down
		// reservation must not release pressure before it commits, or a
		// concurrent request on the same project could over-allocate and
		// leave the project over quota once the resize-down is reverted.
		if delta > 0 {
			usage.Reserved += delta
			dirty[resource] = true
		}
	}

	if errSave := saveDirtyUsages(ctx, tx, usages, dirty); errSave != nil {
		return nil, errSave
	}
	return ids, nil
}

// Commit resolves reservations by applying their deltas to in_use and
// releasing their reserved contribution, then deletes the rows. Resolving
// an already-deleted reservation id is a no-op; the rest of the batch still
// resolves. Negative deltas are clamped so in_use never goes below zero.
func (l *Ledger) Commit(ctx context.Context, reservationIDs []string, projectID string) error {
	return l.resolve(ctx, reservationIDs, projectID, true)
}

// Rollback resolves reservations by releasing their reserved contribution
// without touching in_use, then deletes the rows.
func (l *Ledger) Rollback(ctx context.Context, reservationIDs []string, projectID string) error {
	return l.resolve(ctx, reservationIDs, projectID, false)
}

func (l *Ledger) resolve(ctx context.Context, reservationIDs []string, projectID string, applyInUse bool) error {
	if l == nil || l.db == nil {
		return errors.New("quota: ledger not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(reservationIDs) == 0 {
		return nil
	}

	return dbutil.WithRetry(ctx, func() error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			// The resource pre-read is unlocked; a racing expire sweep can
			// resolve a reservation between it and the locked read below.
			// The loop tolerates that: vanished rows are simply absent.
			resources, errResources := reservationResources(ctx, tx, reservationIDs)
			if errResources != nil {
				return errResources
			}
			if len(resources) == 0 {
				return nil
			}

			usages, errLock := lockQuotaUsages(ctx, tx, projectID, resources)
			if errLock != nil {
				return errLock
			}
			byUsageID := make(map[uint64]*models.QuotaUsage, len(usages))
			for _, usage := range usages {
				byUsageID[usage.ID] = usage
			}

			reservations, errReservations := lockReservations(ctx, tx, reservationIDs)
			if errReservations != nil {
				return errReservations
			}

			dirty := make(map[string]bool)
			for _, reservation := range reservations {
				usage, ok := byUsageID[reservation.UsageID]
				if !ok {
					return fmt.Errorf("%w: reservation %s (usage id %d)", ErrIntegrity, reservation.UUID, reservation.UsageID)
				}

				delta := reservation.Delta
				if delta >= 0 {
					usage.Reserved -= min64(delta, usage.Reserved)
					dirty[usage.Resource] = true
				}
				if applyInUse {
					// Clamp negative deltas so in_use never goes negative.
					if delta < 0 && -delta > usage.InUse {
						delta = -usage.InUse
					}
					usage.InUse += delta
					dirty[usage.Resource] = true
				}

				if errDelete := tx.Delete(&models.Reservation{}, "id = ?", reservation.ID).Error; errDelete != nil {
					return errDelete
				}
			}

			return saveDirtyUsages(ctx, tx, usages, dirty)
		})
	})
}

// Expire sweeps reservations whose lease deadline passed before now,
// releasing their reserved contribution exactly like a rollback. It is the
// only cancellation mechanism for callers that crashed or hung between
// reserve and commit/rollback. Safe to run concurrently from several
// workers: each expired row is released exactly once.
func (l *Ledger) Expire(ctx context.Context, now time.Time) (int, error) {
	if l == nil || l.db == nil {
		return 0, errors.New("quota: ledger not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var projects []string
	if errProjects := l.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("expire < ?", now.UTC()).
		Distinct().
		Order("project_id ASC").
		Pluck("project_id", &projects).Error; errProjects != nil {
		return 0, errProjects
	}

	total := 0
	for _, projectID := range projects {
		expired, errExpire := l.expireProject(ctx, projectID, now)
		if errExpire != nil {
			return total, errExpire
		}
		total += expired
	}
	return total, nil
}

// expireProject sweeps one project's past-due reservations in a single
// transaction, keeping the usage-before-reservation lock order.
func (l *Ledger) expireProject(ctx context.Context, projectID string, now time.Time) (int, error) {
	expired := 0
	errSweep := dbutil.WithRetry(ctx, func() error {
		expired = 0
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var resources []string
			if errResources := tx.WithContext(ctx).
				Model(&models.Reservation{}).
				Where("project_id = ? AND expire < ?", projectID, now.UTC()).
				Distinct().
				Pluck("resource", &resources).Error; errResources != nil {
				return errResources
			}
			if len(resources) == 0 {
				return nil
			}

			usages, errLock := lockQuotaUsages(ctx, tx, projectID, resources)
			if errLock != nil {
				return errLock
			}
			byUsageID := make(map[uint64]*models.QuotaUsage, len(usages))
			for _, usage := range usages {
				byUsageID[usage.ID] = usage
			}

			var reservations []models.Reservation
			if errFind := dbutil.ForUpdate(tx.WithContext(ctx)).
				Where("project_id = ? AND expire < ?", projectID, now.UTC()).
				Order("id ASC").
				Find(&reservations).Error; errFind != nil {
				return errFind
			}

			dirty := make(map[string]bool)
			for _, reservation := range reservations {
				usage, ok := byUsageID[reservation.UsageID]
				if !ok {
					return fmt.Errorf("%w: expired reservation %s (usage id %d)", ErrIntegrity, reservation.UUID, reservation.UsageID)
				}
				if reservation.Delta >= 0 {
					usage.Reserved -= min64(reservation.Delta, usage.Reserved)
					dirty[usage.Resource] = true
				}
				if errDelete := tx.Delete(&models.Reservation{}, "id = ?", reservation.ID).Error; errDelete != nil {
					return errDelete
				}
				expired++
			}

			return saveDirtyUsages(ctx, tx, usages, dirty)
		})
	})
	if errSweep != nil {
		return 0, errSweep
	}
	return expired, nil
}

// syncUsage recomputes the true current usage of one resource.
func (l *Ledger) syncUsage(ctx context.Context, tx *gorm.DB, projectID, resource string) (int64, error) {
	fn, ok := l.syncers[resource]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
	return fn(ctx, tx, projectID)
}

// lockQuotaUsages reads and locks the usage rows for a project, in
// ascending id order. Callers must hold these locks before locking any
// reservation rows of the same project.
func lockQuotaUsages(ctx context.Context, tx *gorm.DB, projectID string, resources []string) (map[string]*models.QuotaUsage, error) {
	var rows []models.QuotaUsage
	q := dbutil.ForUpdate(tx.WithContext(ctx)).Where("project_id = ?", projectID)
	if len(resources) > 0 {
		q = q.Where("resource IN ?", resources)
	}
	if errFind := q.Order("id ASC").Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	usages := make(map[string]*models.QuotaUsage, len(rows))
	for i := range rows {
		usages[rows[i].Resource] = &rows[i]
	}
	return usages, nil
}

// lockReservations reads and locks reservation rows by uuid, in ascending
// id order.
func lockReservations(ctx context.Context, tx *gorm.DB, reservationIDs []string) ([]models.Reservation, error) {
	var rows []models.Reservation
	errFind := dbutil.ForUpdate(tx.WithContext(ctx)).
		Where("uuid IN ?", reservationIDs).
		Order("id ASC").
		Find(&rows).Error
	if errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// reservationResources returns the distinct resources referenced by the
// given reservation ids, without locking.
func reservationResources(ctx context.Context, tx *gorm.DB, reservationIDs []string) ([]string, error) {
	var resources []string
	errPluck := tx.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("uuid IN ?", reservationIDs).
		Distinct().
		Pluck("resource", &resources).Error
	if errPluck != nil {
		return nil, errPluck
	}
	return resources, nil
}

// saveDirtyUsages persists every usage row marked dirty.
func saveDirtyUsages(ctx context.Context, tx *gorm.DB, usages map[string]*models.QuotaUsage, dirty map[string]bool) error {
	for _, resource := range sortedDirty(dirty) {
		usage, ok := usages[resource]
		if !ok {
			continue
		}
		if errSave := tx.WithContext(ctx).Save(usage).Error; errSave != nil {
			return errSave
		}
	}
	return nil
}

func sortedDirty(dirty map[string]bool) []string {
	resources := make([]string, 0, len(dirty))
	for resource, isDirty := range dirty {
		if isDirty {
			resources = append(resources, resource)
		}
	}
	sort.Strings(resources)
	return resources
}

func sortedResources(deltas map[string]int64) []string {
	resources := make([]string, 0, len(deltas))
	for resource := range deltas {
		resources = append(resources, resource)
	}
	sort.Strings(resources)
	return resources
}

func untilRefreshValue(untilRefresh int64) *int64 {
	if untilRefresh <= 0 {
		return nil
	}
	value := untilRefresh
	return &value
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
