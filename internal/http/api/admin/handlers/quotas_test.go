package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dbutil "github.com/nebulatech/volquota/internal/db"
	"github.com/nebulatech/volquota/internal/quota"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newQuotasTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := dbutil.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	store := quota.NewStore(conn)
	handler := NewQuotasHandler(store)

	engine := gin.New()
	engine.GET("/quota-sets/defaults", handler.Defaults)
	engine.GET("/quota-sets/:project", handler.Get)
	engine.PUT("/quota-sets/:project", handler.Update)
	engine.DELETE("/quota-sets/:project", handler.Delete)
	return engine, conn
}

func TestQuotasHandlerUpdateAndGet(t *testing.T) {
	engine, _ := newQuotasTestRouter(t)

	body := `{"quota_set":{"volumes":10,"gigabytes":1000}}`
	req := httptest.NewRequest(http.MethodPut, "/quota-sets/p1", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/quota-sets/p1", nil)
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ProjectID string           `json:"project_id"`
		QuotaSet  map[string]int64 `json:"quota_set"`
	}
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &resp); errDecode != nil {
		t.Fatalf("decode response: %v", errDecode)
	}
	if resp.QuotaSet["volumes"] != 10 || resp.QuotaSet["gigabytes"] != 1000 {
		t.Fatalf("unexpected quota set: %v", resp.QuotaSet)
	}
	// Resources with no stored limit report unlimited.
	if resp.QuotaSet["snapshots"] != -1 {
		t.Fatalf("expected snapshots -1, got %d", resp.QuotaSet["snapshots"])
	}
}

func TestQuotasHandlerRejectsUnknownResources(t *testing.T) {
	engine, _ := newQuotasTestRouter(t)

	body := `{"quota_set":{"floppy_disks":10}}`
	req := httptest.NewRequest(http.MethodPut, "/quota-sets/p1", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestQuotasHandlerDeleteResetsToDefaults(t *testing.T) {
	engine, conn := newQuotasTestRouter(t)
	store := quota.NewStore(conn)

	body := `{"quota_set":{"volumes":10}}`
	req := httptest.NewRequest(http.MethodPut, "/quota-sets/p1", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/quota-sets/p1", nil)
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", rec.Code)
	}

	limits, errLimits := store.GetAll(req.Context(), "p1")
	if errLimits != nil {
		t.Fatalf("get all: %v", errLimits)
	}
	if len(limits) != 0 {
		t.Fatalf("expected overrides removed, got %v", limits)
	}
}
