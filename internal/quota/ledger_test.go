package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	dbutil "github.com/nebulatech/volquota/internal/db"
	"github.com/nebulatech/volquota/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openLedgerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := dbutil.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func usageRow(t *testing.T, conn *gorm.DB, projectID, resource string) models.QuotaUsage {
	t.Helper()
	var row models.QuotaUsage
	if errFirst := conn.Where("project_id = ? AND resource = ?", projectID, resource).First(&row).Error; errFirst != nil {
		t.Fatalf("load usage row %s/%s: %v", projectID, resource, errFirst)
	}
	return row
}

func reservationCount(t *testing.T, conn *gorm.DB, projectID string) int64 {
	t.Helper()
	var count int64
	if errCount := conn.Model(&models.Reservation{}).Where("project_id = ?", projectID).Count(&count).Error; errCount != nil {
		t.Fatalf("count reservations: %v", errCount)
	}
	return count
}

func futureExpire() time.Time {
	return time.Now().UTC().Add(time.Hour)
}

func TestReserveCommitRollbackLifecycle(t *testing.T) {
	conn := openLedgerTestDB(t)
	ledger := NewLedger(conn)
	ctx := context.Background()
	quotas := map[string]int64{ResourceVolumes: 10}

	ids, errReserve := ledger.Reserve(ctx, "p1", quotas, map[string]int64{ResourceVolumes: 3}, futureExpire(), 0, 0)
	if errReserve != nil {
		t.Fatalf("reserve 3: %v", errReserve)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 reservation id, got %d", len(ids))
	}

	row := usageRow(t, conn, "p1", ResourceVolumes)
	if row.InUse != 0 || row.Reserved != 3 {
		t.Fatalf("after reserve: in_use=%d reserved=%d, want 0/3", row.InUse, row.Reserved)
	}

	if errCommit := ledger.Commit(ctx, ids, "p1"); errCommit != nil {
		t.Fatalf("commit: %v", errCommit)
	}
	row = usageRow(t, conn, "p1", ResourceVolumes)
	if row.InUse != 3 || row.Reserved != 0 {
		t.Fatalf("after commit: in_use=%d reserved=%d, want 3/0", row.InUse, row.Reserved)
	}
	if n := reservationCount(t, conn, "p1"); n != 0 {
		t.Fatalf("expected reservations deleted, found %d", n)
	}

	// 3 in use + 8 requested exceeds the limit of 10.
	_, errOver := ledger.Reserve(ctx, "p1", quotas, map[string]int64{ResourceVolumes: 8}, futureExpire(), 0, 0)
	if !IsOverQuota(errOver) {
		t.Fatalf("expected over-quota, got %v", errOver)
	}
	var over *OverQuotaError
	if !errors.As(errOver, &over) {
		t.Fatalf("expected *OverQuotaError, got %T", errOver)
	}
	if len(over.Overs) != 1 || over.Overs[0] != ResourceVolumes {
		t.Fatalf("unexpected overs: %v", over.Overs)
	}
	if over.Quotas[ResourceVolumes] != 10 {
		t.Fatalf("expected quota 10 in error, got %d", over.Quotas[ResourceVolumes])
	}
	if got := over.Usages[ResourceVolumes]; got.InUse != 3 || got.Reserved != 0 {
		t.Fatalf("unexpected usage snapshot in error: %+v", got)
	}

	// 3 + 7 fits exactly.
	ids, errReserve = ledger.Reserve(ctx, "p1", quotas, map[string]int64{ResourceVolumes: 7}, futureExpire(), 0, 0)
	if errReserve != nil {
		t.Fatalf("reserve 7: %v", errReserve)
	}

	if errRollback := ledger.Rollback(ctx, ids, "p1"); errRollback != nil {
		t.Fatalf("rollback: %v", errRollback)
	}
	row = usageRow(t, conn, "p1", ResourceVolumes)
	if row.InUse != 3 || row.Reserved != 0 {
		t.Fatalf("after rollback: in_use=%d reserved=%d, want 3/0", row.InUse, row.Reserved)
	}
}

func TestReserveBootstrapSyncsFromDomainTables(t *testing.T) {
	conn := openLedgerTestDB(t)
	ledger := NewLedger(conn)
	ctx := context.Background()

	for _, id := range []string{"v1", "v2"} {
		volume := models.Volume{ID: id, ProjectID: "p1", Size: 10, Status: models.VolumeStatusAvailable}
		if errCreate := conn.Create(&volume).Error; errCreate != nil {
			t.Fatalf("create volume: %v", errCreate)
		}
	}

	quotas := map[string]int64{ResourceVolumes: 10, ResourceGigabytes: 100}
	_, errReserve := ledger.Reserve(ctx, "p1", quotas,
		map[string]int64{ResourceVolumes: 1, ResourceGigabytes: 10}, futureExpire(), 0, 0)
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}

	volumesRow := usageRow(t, conn, "p1", ResourceVolumes)
	if volumesRow.InUse != 2 || volumesRow.Reserved != 1 {
		t.Fatalf("volumes: in_use=%d reserved=%d, want 2/1", volumesRow.InUse, volumesRow.Reserved)
	}
	gigsRow := usageRow(t, conn, "p1", ResourceGigabytes)
	if gigsRow.InUse != 20 || gigsRow.Reserved != 10 {
		t.Fatalf("gigabytes: in_use=%d reserved=%d, want 20/10", gigsRow.InUse, gigsRow.Reserved)
	}
}

func TestReserveNegativeDeltaBypassesAdmission(t *testing.T) {
	conn := openLedgerTestDB(t)
	ledger := NewLedger(conn)
	ctx := context.Background()

	volume := models.Volume{ID: "v1", ProjectID: "p1", Size: 10, Status: models.VolumeStatusInUse}
	if errCreate := conn.Create(&volume).Error; errCreate != nil {
		t.Fatalf("create volume: %v", errCreate)
	}

	// Project is exactly at its limit; shrinking must still be possible.
	quotas := map[string]int64{ResourceVolumes: 1}
	ids, errReserve := ledger.Reserve(ctx, "p1", quotas, map[string]int64{ResourceVolumes: -1}, futureExpire(), 0, 0)
	if errReserve != nil {
		t.Fatalf("reserve -1: %v", errReserve)
	}

	row := usageRow(t, conn, "p1", ResourceVolumes)
	if row.InUse != 1 || row.Reserved != 0 {
		t.Fatalf("negative delta must not claim reserved: in_use=%d reserved=%d", row.InUse, row.Reserved)
	}

	if errCommit := ledger.Commit(ctx, ids, "p1"); errCommit != nil {
		t.Fatalf("commit: %v", errCommit)
	}
	row = usageRow(t, conn, "p1", ResourceVolumes)
	if row.InUse != 0 || row.Reserved != 0 {
		t.Fatalf("after commit: in_use=%d reserved=%d, want 0/0", row.InUse, row.Reserved)
	}
}

func TestCommitClampsInUseAtZero(t *testing.T) {
	conn := openLedgerTestDB(t)
	ledger := NewLedger(conn)
	ctx := context.Background()

	quotas := map[string]int64{ResourceVolumes: 10}
	ids, errReserve := ledger.Reserve(ctx, "p1", quotas, map[string]int64{ResourceVolumes: -5}, futureExpire(), 0, 0)
	if errReserve != nil {
		t.Fatalf("reserve -5: %v", errReserve)
	}
	if errCommit := ledger.Commit(ctx, ids, "p1"); errCommit != nil {
		t.Fatalf("commit: %v", errCommit)
	}

	row := usageRow(t, conn, "p1", ResourceVolumes)
	if row.InUse != 0 {
		t.Fatalf("expected in_use clamped at 0, got %d", row.InUse)
	}
}

func TestCommitUnknownReservationIsNoop(t *testing.T) {
	conn := openLedgerTestDB(t)
	ledger := NewLedger(conn)

	if errCommit := ledger.Commit(context.Background(), []string{"no-such-reservation"}, "p1"); errCommit != nil {
		t.Fatalf("expected no-op, got %v", errCommit)
	}
}

func TestCommitMissingUsageRowIsIntegrityFault(t *testing.T) {
	conn := openLedgerTestDB(t)
	ledger := NewLedger(conn)

	reservation := models.Reservation{
		UUID:      "orphan",
		UsageID:   9999,
		ProjectID: "p1",
		Resource:  ResourceVolumes,
		Delta:     1,
		Expire:    futureExpire(),
	}
	if errCreate := conn.Create(&reservation).Error; errCreate != nil {
		t.Fatalf("create reservation: %v", errCreate)
	}

	errCommit := ledger.Commit(context.Background(), []string{"orphan"}, "p1")
	if !errors.Is(errCommit, ErrIntegrity) {
		t.Fatalf("expected integrity fault, got %v", errCommit)
	}
}

func TestReserveHealsNegativeInUse(t *testing.T) {
	conn := openLedgerTestDB(t)
	ledger := NewLedger(conn)
	ctx := context.Background()

	usage := models.QuotaUsage{ProjectID: "p1", Resource: ResourceVolumes, InUse: -3}
	if errCreate := conn.Create(&usage).Error; errCreate != nil {
		t.Fatalf("create usage: %v", errCreate)
	}

	quotas := map[string]int64{ResourceVolumes: 10}
	if _, errReserve := ledger.Reserve(ctx, "p1", quotas, map[string]int64{ResourceVolumes: 1}, futureExpire(), 0, 0); errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}

	row := usageRow(t, conn, "p1", ResourceVolumes)
	if row.InUse != 0 || row.Reserved != 1 {
		t.Fatalf("expected healed usage 0/1, got %d/%d", row.InUse, row.Reserved)
	}
}

func TestReserveUntilRefreshCountdownForcesRefresh(t *testing.T) {
	conn := openLedgerTestDB(t)
	ledger := NewLedger(conn)
	ctx := context.Background()

	countdown := int64(1)
	usage := models.QuotaUsage{ProjectID: "p1", Resource: ResourceVolumes, InUse: 5, UntilRefresh: &countdown}
	if errCreate := conn.Create(&usage).Error; errCreate != nil {
		t.Fatalf("create usage: %v", errCreate)
	}

	// No volumes exist, so the countdown hitting zero recomputes in_use to 0
	// and the reservation fits a limit of 3.
	quotas := map[string]int64{ResourceVolumes: 3}
	if _, errReserve := ledger.Reserve(ctx, "p1", quotas, map[string]int64{ResourceVolumes: 1}, futureExpire(), 1, 0); errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}

	row := usageRow(t, conn, "p1", ResourceVolumes)
	if row.InUse != 0 {
		t.Fatalf("expected refreshed in_use 0, got %d", row.InUse)
	}
	if row.UntilRefresh == nil || *row.UntilRefresh != 1 {
		t.Fatalf("expected countdown reset to 1, got %v", row.UntilRefresh)
	}
}

func TestReserveMaxAgeForcesRefresh(t *testing.T) {
	conn := openLedgerTestDB(t)
	ledger := NewLedger(conn)
	ctx := context.Background()

	usage := models.QuotaUsage{ProjectID: "p1", Resource: ResourceVolumes, InUse: 5}
	if errCreate := conn.Create(&usage).Error; errCreate != nil {
		t.Fatalf("create usage: %v", errCreate)
	}
	stale := time.Now().UTC().Add(-time.Hour)
	if errExec := conn.Exec("UPDATE quota_usages SET updated_at = ? WHERE id = ?", stale, usage.ID).Error; errExec != nil {
		t.Fatalf("age usage row: %v", errExec)
	}

	quotas := map[string]int64{ResourceVolumes: 3}
	if _, errReserve := ledger.Reserve(ctx, "p1", quotas, map[string]int64{ResourceVolumes: 1}, futureExpire(), 0, time.Minute); errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}

	row := usageRow(t, conn, "p1", ResourceVolumes)
	if row.InUse != 0 {
		t.Fatalf("expected refreshed in_use 0, got %d", row.InUse)
	}
}

func TestReserveUnknownResource(t *testing.T) {
	conn := openLedgerTestDB(t)
	ledger := NewLedger(conn)

	_, errReserve := ledger.Reserve(context.Background(), "p1", nil, map[string]int64{"floppy_disks": 1}, futureExpire(), 0, 0)
	if !errors.Is(errReserve, ErrUnknownResource) {
		t.Fatalf("expected unknown resource, got %v", errReserve)
	}
}

func TestReserveMissingQuotaMeansUnlimited(t *testing.T) {
	conn := openLedgerTestDB(t)
	ledger := NewLedger(conn)

	// No limit entry for the resource: admission must not reject.
	_, errReserve := ledger.Reserve(context.Background(), "p1", map[string]int64{}, map[string]int64{ResourceVolumes: 1000000}, futureExpire(), 0, 0)
	if errReserve != nil {
		t.Fatalf("reserve without limit: %v", errReserve)
	}
}

func TestExpireReleasesPastDueReservations(t *testing.T) {
	conn := openLedgerTestDB(t)
	ledger := NewLedger(conn)
	ctx := context.Background()
	quotas := map[string]int64{ResourceVolumes: 10}

	pastExpire := time.Now().UTC().Add(-time.Minute)
	if _, errReserve := ledger.Reserve(ctx, "p1", quotas, map[string]int64{ResourceVolumes: 2}, pastExpire, 0, 0); errReserve != nil {
		t.Fatalf("reserve past-due: %v", errReserve)
	}
	liveIDs, errReserve := ledger.Reserve(ctx, "p1", quotas, map[string]int64{ResourceVolumes: 3}, futureExpire(), 0, 0)
	if errReserve != nil {
		t.Fatalf("reserve live: %v", errReserve)
	}

	expired, errExpire := ledger.Expire(ctx, time.Now().UTC())
	if errExpire != nil {
		t.Fatalf("expire: %v", errExpire)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired reservation, got %d", expired)
	}

	row := usageRow(t, conn, "p1", ResourceVolumes)
	if row.Reserved != 3 {
		t.Fatalf("expected only the live claim left, reserved=%d", row.Reserved)
	}
	if n := reservationCount(t, conn, "p1"); n != 1 {
		t.Fatalf("expected 1 reservation row left, got %d", n)
	}

	if errCommit := ledger.Commit(ctx, liveIDs, "p1"); errCommit != nil {
		t.Fatalf("commit live: %v", errCommit)
	}
	row = usageRow(t, conn, "p1", ResourceVolumes)
	if row.InUse != 3 || row.Reserved != 0 {
		t.Fatalf("after commit: in_use=%d reserved=%d, want 3/0", row.InUse, row.Reserved)
	}
}

func TestExpireIsIdempotent(t *testing.T) {
	conn := openLedgerTestDB(t)
	ledger := NewLedger(conn)
	ctx := context.Background()

	pastExpire := time.Now().UTC().Add(-time.Minute)
	if _, errReserve := ledger.Reserve(ctx, "p1", nil, map[string]int64{ResourceVolumes: 2}, pastExpire, 0, 0); errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}

	for sweep := 0; sweep < 2; sweep++ {
		if _, errExpire := ledger.Expire(ctx, time.Now().UTC()); errExpire != nil {
			t.Fatalf("expire sweep %d: %v", sweep, errExpire)
		}
	}

	row := usageRow(t, conn, "p1", ResourceVolumes)
	if row.Reserved != 0 {
		t.Fatalf("expected reserved 0 after sweeps, got %d", row.Reserved)
	}
}
