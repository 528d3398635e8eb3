package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	dbutil "github.com/nebulatech/volquota/internal/db"
	"github.com/nebulatech/volquota/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store exposes CRUD over quota limits and read access to the ledger's
// usage rows. Limit writes are plain row operations; only the ledger
// methods on Ledger take row locks.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a Store over the shared connection.
func NewStore(conn *gorm.DB) *Store {
	if conn == nil {
		return nil
	}
	return &Store{db: conn}
}

// Get returns the per-project hard limit override for one resource.
func (s *Store) Get(ctx context.Context, projectID, resource string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("quota: store not initialized")
	}
	var row models.Quota
	errFirst := s.db.WithContext(ctx).
		Where("project_id = ? AND resource = ?", projectID, resource).
		First(&row).Error
	if errFirst != nil {
		if errors.Is(errFirst, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("%w: project %s resource %s", ErrQuotaNotFound, projectID, resource)
		}
		return 0, errFirst
	}
	return row.HardLimit, nil
}

// GetAll returns every per-project override for a project, keyed by
// resource. Projects with no overrides get an empty map, not an error.
func (s *Store) GetAll(ctx context.Context, projectID string) (map[string]int64, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("quota: store not initialized")
	}
	var rows []models.Quota
	if errFind := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("resource ASC").
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	limits := make(map[string]int64, len(rows))
	for _, row := range rows {
		limits[row.Resource] = row.HardLimit
	}
	return limits, nil
}

// Set creates or updates the per-project override for one resource.
func (s *Store) Set(ctx context.Context, projectID, resource string, hardLimit int64) error {
	if s == nil || s.db == nil {
		return errors.New("quota: store not initialized")
	}
	row := models.Quota{ProjectID: projectID, Resource: resource, HardLimit: hardLimit}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "resource"}},
		DoUpdates: clause.Assignments(map[string]any{"hard_limit": hardLimit, "updated_at": time.Now().UTC()}),
	}).Create(&row).Error
}

// Destroy removes the per-project override for one resource.
func (s *Store) Destroy(ctx context.Context, projectID, resource string) error {
	if s == nil || s.db == nil {
		return errors.New("quota: store not initialized")
	}
	res := s.db.WithContext(ctx).
		Where("project_id = ? AND resource = ?", projectID, resource).
		Delete(&models.Quota{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: project %s resource %s", ErrQuotaNotFound, projectID, resource)
	}
	return nil
}

// DestroyAll removes every per-project override of a project, returning it
// to the default class limits. Usage rows and reservations are untouched.
func (s *Store) DestroyAll(ctx context.Context, projectID string) error {
	if s == nil || s.db == nil {
		return errors.New("quota: store not initialized")
	}
	return s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Delete(&models.Quota{}).Error
}

// DestroyAllByProject removes every override, usage row and pending
// reservation for a project. Used when a project is deleted; pending
// reservations are dropped rather than released because the usage rows go
// with them.
func (s *Store) DestroyAllByProject(ctx context.Context, projectID string) error {
	if s == nil || s.db == nil {
		return errors.New("quota: store not initialized")
	}
	return dbutil.WithRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if errQuotas := tx.Where("project_id = ?", projectID).Delete(&models.Quota{}).Error; errQuotas != nil {
				return errQuotas
			}
			if errReservations := tx.Where("project_id = ?", projectID).Delete(&models.Reservation{}).Error; errReservations != nil {
				return errReservations
			}
			return tx.Where("project_id = ?", projectID).Delete(&models.QuotaUsage{}).Error
		})
	})
}

// GetClass returns one class's hard limit for a resource.
func (s *Store) GetClass(ctx context.Context, className, resource string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("quota: store not initialized")
	}
	var row models.QuotaClass
	errFirst := s.db.WithContext(ctx).
		Where("class_name = ? AND resource = ?", className, resource).
		First(&row).Error
	if errFirst != nil {
		if errors.Is(errFirst, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("%w: class %s resource %s", ErrQuotaClassNotFound, className, resource)
		}
		return 0, errFirst
	}
	return row.HardLimit, nil
}

// GetClassAll returns every limit of one class, keyed by resource.
func (s *Store) GetClassAll(ctx context.Context, className string) (map[string]int64, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("quota: store not initialized")
	}
	var rows []models.QuotaClass
	if errFind := s.db.WithContext(ctx).
		Where("class_name = ?", className).
		Order("resource ASC").
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	limits := make(map[string]int64, len(rows))
	for _, row := range rows {
		limits[row.Resource] = row.HardLimit
	}
	return limits, nil
}

// SetClass creates or updates one class limit.
func (s *Store) SetClass(ctx context.Context, className, resource string, hardLimit int64) error {
	if s == nil || s.db == nil {
		return errors.New("quota: store not initialized")
	}
	row := models.QuotaClass{ClassName: className, Resource: resource, HardLimit: hardLimit}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "class_name"}, {Name: "resource"}},
		DoUpdates: clause.Assignments(map[string]any{"hard_limit": hardLimit, "updated_at": time.Now().UTC()}),
	}).Create(&row).Error
}

// DestroyClass removes one class limit.
func (s *Store) DestroyClass(ctx context.Context, className, resource string) error {
	if s == nil || s.db == nil {
		return errors.New("quota: store not initialized")
	}
	res := s.db.WithContext(ctx).
		Where("class_name = ? AND resource = ?", className, resource).
		Delete(&models.QuotaClass{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: class %s resource %s", ErrQuotaClassNotFound, className, resource)
	}
	return nil
}

// Defaults returns the default class limits with every tracked resource
// present; resources without a stored limit come back unlimited (-1).
func (s *Store) Defaults(ctx context.Context) (map[string]int64, error) {
	stored, errStored := s.GetClassAll(ctx, models.DefaultQuotaClassName)
	if errStored != nil {
		return nil, errStored
	}
	defaults := make(map[string]int64, len(syncFunctions))
	for _, resource := range KnownResources() {
		limit, ok := stored[resource]
		if !ok {
			limit = -1
		}
		defaults[resource] = limit
	}
	return defaults, nil
}

// EffectiveQuotas resolves the limits a reservation for the project should
// be checked against: the default class limits overlaid with the project's
// own overrides. Every tracked resource is present in the result.
func (s *Store) EffectiveQuotas(ctx context.Context, projectID string) (map[string]int64, error) {
	defaults, errDefaults := s.Defaults(ctx)
	if errDefaults != nil {
		return nil, errDefaults
	}
	overrides, errOverrides := s.GetAll(ctx, projectID)
	if errOverrides != nil {
		return nil, errOverrides
	}
	for resource, limit := range overrides {
		defaults[resource] = limit
	}
	return defaults, nil
}

// GetUsage returns the usage snapshot for one (project, resource) pair.
func (s *Store) GetUsage(ctx context.Context, projectID, resource string) (Usage, error) {
	if s == nil || s.db == nil {
		return Usage{}, errors.New("quota: store not initialized")
	}
	var row models.QuotaUsage
	errFirst := s.db.WithContext(ctx).
		Where("project_id = ? AND resource = ?", projectID, resource).
		First(&row).Error
	if errFirst != nil {
		if errors.Is(errFirst, gorm.ErrRecordNotFound) {
			return Usage{}, fmt.Errorf("%w: project %s resource %s", ErrUsageNotFound, projectID, resource)
		}
		return Usage{}, errFirst
	}
	return Usage{InUse: row.InUse, Reserved: row.Reserved}, nil
}

// GetUsageAll returns every usage snapshot of a project, keyed by resource.
func (s *Store) GetUsageAll(ctx context.Context, projectID string) (map[string]Usage, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("quota: store not initialized")
	}
	var rows []models.QuotaUsage
	if errFind := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("resource ASC").
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	usages := make(map[string]Usage, len(rows))
	for _, row := range rows {
		usages[row.Resource] = Usage{InUse: row.InUse, Reserved: row.Reserved}
	}
	return usages, nil
}
