package versionguard

import (
	"context"
	"errors"

	"github.com/punchamoorthee/exactlyonce/internal/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VersionedPtr constrains P to a pointer to T that exposes its version.
type VersionedPtr[T any] interface {
	*T
	Versioned
}

// GormStore is a Store for ORM-managed models. Values returns the columns
// Swap writes; version is added by the store.
type GormStore[T any, P VersionedPtr[T]] struct {
	db     *gorm.DB
	key    string
	values func(T) map[string]any
}

func NewGormStore[T any, P VersionedPtr[T]](db *gorm.DB, key string, values func(T) map[string]any) *GormStore[T, P] {
	if key == "" {
		key = "id"
	}
	return &GormStore[T, P]{db: db, key: key, values: values}
}

func (s *GormStore[T, P]) Load(ctx context.Context, key string) (T, int64, error) {
	var v T
	err := s.db.WithContext(ctx).
		Where(clause.Eq{Column: clause.Column{Name: s.key}, Value: key}).
		Take(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return v, 0, store.ErrNotFound
	}
	if err != nil {
		return v, 0, err
	}
	return v, P(&v).GetVersion(), nil
}

func (s *GormStore[T, P]) Swap(ctx context.Context, key string, expected int64, next T) (bool, error) {
	updates := s.values(next)
	updates["version"] = expected + 1
	res := s.db.WithContext(ctx).
		Model(new(T)).
		Where(clause.Eq{Column: clause.Column{Name: s.key}, Value: key}).
		Where(clause.Eq{Column: clause.Column{Name: "version"}, Value: expected}).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
