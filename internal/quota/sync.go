package quota

import (
	"context"

	"github.com/nebulatech/volquota/internal/models"
	internalsettings "github.com/nebulatech/volquota/internal/settings"
	"gorm.io/gorm"
)

// Tracked resource names.
const (
	ResourceVolumes         = "volumes"
	ResourceGigabytes       = "gigabytes"
	ResourceSnapshots       = "snapshots"
	ResourceBackups         = "backups"
	ResourceBackupGigabytes = "backup_gigabytes"
	ResourceGroups          = "groups"
)

// SyncFunc recomputes the true current usage of one resource for a project
// by scanning the authoritative domain tables. It must be side-effect-free;
// the ledger trusts its result only at the instant it is called, to
// initialize or heal a usage row.
type SyncFunc func(ctx context.Context, tx *gorm.DB, projectID string) (int64, error)

// syncFunctions is the static dispatch table from resource name to its
// sync routine, built once at package init.
var syncFunctions = map[string]SyncFunc{
	ResourceVolumes:         syncVolumes,
	ResourceGigabytes:       syncGigabytes,
	ResourceSnapshots:       syncSnapshots,
	ResourceBackups:         syncBackups,
	ResourceBackupGigabytes: syncBackupGigabytes,
	ResourceGroups:          syncGroups,
}

// KnownResources returns the tracked resource names.
func KnownResources() []string {
	names := make([]string, 0, len(syncFunctions))
	for name := range syncFunctions {
		names = append(names, name)
	}
	return names
}

// volumeDataForProject returns the volume count and total gigabytes for a
// project.
func volumeDataForProject(ctx context.Context, tx *gorm.DB, projectID string) (int64, int64, error) {
	var row struct {
		Count int64
		Gigs  int64
	}
	errScan := tx.WithContext(ctx).
		Model(&models.Volume{}).
		Select("COUNT(*) AS count, COALESCE(SUM(size), 0) AS gigs").
		Where("project_id = ?", projectID).
		Scan(&row).Error
	if errScan != nil {
		return 0, 0, errScan
	}
	return row.Count, row.Gigs, nil
}

// snapshotDataForProject returns the snapshot count and total gigabytes
// for a project.
func snapshotDataForProject(ctx context.Context, tx *gorm.DB, projectID string) (int64, int64, error) {
	var row struct {
		Count int64
		Gigs  int64
	}
	errScan := tx.WithContext(ctx).
		Model(&models.Snapshot{}).
		Select("COUNT(*) AS count, COALESCE(SUM(volume_size), 0) AS gigs").
		Where("project_id = ?", projectID).
		Scan(&row).Error
	if errScan != nil {
		return 0, 0, errScan
	}
	return row.Count, row.Gigs, nil
}

// backupDataForProject returns the backup count and total gigabytes for a
// project.
func backupDataForProject(ctx context.Context, tx *gorm.DB, projectID string) (int64, int64, error) {
	var row struct {
		Count int64
		Gigs  int64
	}
	errScan := tx.WithContext(ctx).
		Model(&models.Backup{}).
		Select("COUNT(*) AS count, COALESCE(SUM(size), 0) AS gigs").
		Where("project_id = ?", projectID).
		Scan(&row).Error
	if errScan != nil {
		return 0, 0, errScan
	}
	return row.Count, row.Gigs, nil
}

func syncVolumes(ctx context.Context, tx *gorm.DB, projectID string) (int64, error) {
	count, _, err := volumeDataForProject(ctx, tx, projectID)
	return count, err
}

func syncGigabytes(ctx context.Context, tx *gorm.DB, projectID string) (int64, error) {
	_, volGigs, errVolumes := volumeDataForProject(ctx, tx, projectID)
	if errVolumes != nil {
		return 0, errVolumes
	}
	if internalsettings.NoSnapshotGBQuota() {
		return volGigs, nil
	}
	_, snapGigs, errSnapshots := snapshotDataForProject(ctx, tx, projectID)
	if errSnapshots != nil {
		return 0, errSnapshots
	}
	return volGigs + snapGigs, nil
}

func syncSnapshots(ctx context.Context, tx *gorm.DB, projectID string) (int64, error) {
	count, _, err := snapshotDataForProject(ctx, tx, projectID)
	return count, err
}

func syncBackups(ctx context.Context, tx *gorm.DB, projectID string) (int64, error) {
	count, _, err := backupDataForProject(ctx, tx, projectID)
	return count, err
}

func syncBackupGigabytes(ctx context.Context, tx *gorm.DB, projectID string) (int64, error) {
	_, gigs, err := backupDataForProject(ctx, tx, projectID)
	return gigs, err
}

func syncGroups(ctx context.Context, tx *gorm.DB, projectID string) (int64, error) {
	var count int64
	errCount := tx.WithContext(ctx).
		Model(&models.Group{}).
		Where("project_id = ?", projectID).
		Count(&count).Error
	return count, errCount
}
