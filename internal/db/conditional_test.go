package db

import (
	"errors"
	"testing"

	"github.com/nebulatech/volquota/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openConditionalTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func createTestVolume(t *testing.T, conn *gorm.DB, id, status string, size int64) {
	t.Helper()
	volume := models.Volume{
		ID:        id,
		ProjectID: "p1",
		Size:      size,
		Status:    status,
	}
	if errCreate := conn.Create(&volume).Error; errCreate != nil {
		t.Fatalf("create volume: %v", errCreate)
	}
}

func volumeByID(t *testing.T, conn *gorm.DB, id string) models.Volume {
	t.Helper()
	var volume models.Volume
	if errFirst := conn.First(&volume, "id = ?", id).Error; errFirst != nil {
		t.Fatalf("load volume: %v", errFirst)
	}
	return volume
}

func TestConditionalUpdateWinnerTakesRow(t *testing.T) {
	conn := openConditionalTestDB(t)
	createTestVolume(t, conn, "v1", models.VolumeStatusAvailable, 10)

	updated, errUpdate := ConditionalUpdate(conn, &models.Volume{},
		map[string]any{"status": models.VolumeStatusDeleting},
		map[string]any{"id": "v1", "status": models.VolumeStatusAvailable}, nil)
	if errUpdate != nil {
		t.Fatalf("first update: %v", errUpdate)
	}
	if !updated {
		t.Fatal("expected first update to win")
	}

	// A second caller racing on the same precondition must lose cleanly.
	updated, errUpdate = ConditionalUpdate(conn, &models.Volume{},
		map[string]any{"status": models.VolumeStatusRetyping},
		map[string]any{"id": "v1", "status": models.VolumeStatusAvailable}, nil)
	if errUpdate != nil {
		t.Fatalf("second update: %v", errUpdate)
	}
	if updated {
		t.Fatal("expected second update to lose")
	}

	if got := volumeByID(t, conn, "v1").Status; got != models.VolumeStatusDeleting {
		t.Fatalf("expected status deleting, got %s", got)
	}
}

func TestConditionalUpdateFieldReferenceAppliesFirst(t *testing.T) {
	conn := openConditionalTestDB(t)
	createTestVolume(t, conn, "v1", models.VolumeStatusAvailable, 10)

	// previous_status must capture the pre-update status even though the
	// same statement overwrites status.
	updated, errUpdate := ConditionalUpdate(conn, &models.Volume{},
		map[string]any{
			"previous_status": FieldRef("status"),
			"status":          models.VolumeStatusRetyping,
		},
		map[string]any{"id": "v1", "status": models.VolumeStatusAvailable},
		&ConditionalUpdateOptions{Order: []string{"previous_status"}})
	if errUpdate != nil {
		t.Fatalf("update: %v", errUpdate)
	}
	if !updated {
		t.Fatal("expected update to apply")
	}

	volume := volumeByID(t, conn, "v1")
	if volume.Status != models.VolumeStatusRetyping {
		t.Fatalf("expected status retyping, got %s", volume.Status)
	}
	if volume.PreviousStatus != models.VolumeStatusAvailable {
		t.Fatalf("expected previous_status available, got %s", volume.PreviousStatus)
	}
}

func TestConditionalUpdateCaseKeepsValueWithoutElse(t *testing.T) {
	conn := openConditionalTestDB(t)
	createTestVolume(t, conn, "small", models.VolumeStatusAvailable, 5)
	createTestVolume(t, conn, "big", models.VolumeStatusAvailable, 50)

	for _, id := range []string{"small", "big"} {
		if _, errUpdate := ConditionalUpdate(conn, &models.Volume{},
			map[string]any{"status": Case{Whens: []CaseWhen{
				{Expr: "size >= ?", Args: []any{10}, Then: models.VolumeStatusInUse},
			}}},
			map[string]any{"id": id}, nil); errUpdate != nil {
			t.Fatalf("update %s: %v", id, errUpdate)
		}
	}

	if got := volumeByID(t, conn, "small").Status; got != models.VolumeStatusAvailable {
		t.Fatalf("expected small volume untouched, got %s", got)
	}
	if got := volumeByID(t, conn, "big").Status; got != models.VolumeStatusInUse {
		t.Fatalf("expected big volume in-use, got %s", got)
	}
}

func TestConditionalUpdateExpectedSliceMatchesAny(t *testing.T) {
	conn := openConditionalTestDB(t)
	createTestVolume(t, conn, "v1", models.VolumeStatusInUse, 10)

	updated, errUpdate := ConditionalUpdate(conn, &models.Volume{},
		map[string]any{"status": models.VolumeStatusDeleting},
		map[string]any{
			"id":     "v1",
			"status": []string{models.VolumeStatusAvailable, models.VolumeStatusInUse},
		}, nil)
	if errUpdate != nil {
		t.Fatalf("update: %v", errUpdate)
	}
	if !updated {
		t.Fatal("expected slice condition to match")
	}
}

func TestConditionalUpdateNotEqual(t *testing.T) {
	conn := openConditionalTestDB(t)
	createTestVolume(t, conn, "v1", models.VolumeStatusAvailable, 10)

	updated, errUpdate := ConditionalUpdate(conn, &models.Volume{},
		map[string]any{"status": models.VolumeStatusDeleting},
		map[string]any{"id": "v1", "status": NotEqual(models.VolumeStatusError)}, nil)
	if errUpdate != nil {
		t.Fatalf("update: %v", errUpdate)
	}
	if !updated {
		t.Fatal("expected not-equal condition to match")
	}

	updated, errUpdate = ConditionalUpdate(conn, &models.Volume{},
		map[string]any{"status": models.VolumeStatusError},
		map[string]any{"id": "v1", "status": NotEqual(models.VolumeStatusDeleting)}, nil)
	if errUpdate != nil {
		t.Fatalf("update: %v", errUpdate)
	}
	if updated {
		t.Fatal("expected not-equal condition to reject the current value")
	}
}

func TestConditionalUpdateNotEqualMatchesNullColumn(t *testing.T) {
	conn := openConditionalTestDB(t)
	if errExec := conn.Exec(`
		INSERT INTO volumes (id, project_id, size, status, previous_status, host, group_id, created_at, updated_at)
		VALUES ('v1', 'p1', 10, 'available', NULL, '', '', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`).Error; errExec != nil {
		t.Fatalf("insert volume: %v", errExec)
	}

	// A NULL column differs from any concrete value under Go semantics.
	updated, errUpdate := ConditionalUpdate(conn, &models.Volume{},
		map[string]any{"status": models.VolumeStatusDeleting},
		map[string]any{"id": "v1", "previous_status": NotEqual(models.VolumeStatusError)}, nil)
	if errUpdate != nil {
		t.Fatalf("update: %v", errUpdate)
	}
	if !updated {
		t.Fatal("expected null column to satisfy not-equal")
	}
}

func TestConditionalUpdateRejectsForeignTableFields(t *testing.T) {
	conn := openConditionalTestDB(t)
	createTestVolume(t, conn, "v1", models.VolumeStatusAvailable, 10)

	_, errUpdate := ConditionalUpdate(conn, &models.Volume{},
		map[string]any{"snapshots.volume_size": int64(1)},
		map[string]any{"id": "v1"}, nil)
	if !errors.Is(errUpdate, ErrProgramming) {
		t.Fatalf("expected programming error, got %v", errUpdate)
	}
}

func TestConditionalUpdateRejectsUnknownFields(t *testing.T) {
	conn := openConditionalTestDB(t)
	createTestVolume(t, conn, "v1", models.VolumeStatusAvailable, 10)

	_, errUpdate := ConditionalUpdate(conn, &models.Volume{},
		map[string]any{"no_such_field": 1},
		map[string]any{"id": "v1"}, nil)
	if !errors.Is(errUpdate, ErrProgramming) {
		t.Fatalf("expected programming error, got %v", errUpdate)
	}
}

func TestConditionalUpdateExtraFilters(t *testing.T) {
	conn := openConditionalTestDB(t)
	createTestVolume(t, conn, "v1", models.VolumeStatusAvailable, 10)

	updated, errUpdate := ConditionalUpdate(conn, &models.Volume{},
		map[string]any{"status": models.VolumeStatusDeleting},
		map[string]any{"id": "v1"},
		&ConditionalUpdateOptions{Filters: []Filter{{Expr: "size > ?", Args: []any{100}}}})
	if errUpdate != nil {
		t.Fatalf("update: %v", errUpdate)
	}
	if updated {
		t.Fatal("expected filter to exclude the row")
	}
}
