package fallback

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// Repository errors.
var (
	ErrSourceNotFound = errors.New("fallback source not found")
	ErrSourceExists   = errors.New("fallback source already exists")
)

// Repository defines data access for fallback sources.
type Repository interface {
	Create(ctx context.Context, s *Source) error
	List(ctx context.Context, enabledOnly bool) ([]*Source, error)
	ListForNamespace(ctx context.Context, namespace string) ([]*Source, error)
	Delete(ctx context.Context, id int64) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates the fallback source repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, s *Source) error {
	err := r.db.WithContext(ctx).Create(s).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrSourceExists
	}
	return err
}

func (r *repository) List(ctx context.Context, enabledOnly bool) ([]*Source, error) {
	query := r.db.WithContext(ctx)
	if enabledOnly {
		query = query.Where("enabled = ?", true)
	}
	var sources []*Source
	err := query.Order("priority ASC, id ASC").Find(&sources).Error
	return sources, err
}

// ListForNamespace returns enabled sources eligible for a target
// namespace: global ones plus sources scoped to it.
func (r *repository) ListForNamespace(ctx context.Context, namespace string) ([]*Source, error) {
	var sources []*Source
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND (namespace = ? OR namespace = ?)", true, "", namespace).
		Order("priority ASC, id ASC").
		Find(&sources).Error
	return sources, err
}

func (r *repository) Delete(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).Delete(&Source{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSourceNotFound
	}
	return nil
}
