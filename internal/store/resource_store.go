package store

import (
	"context"
	"time"

	"timetable-sync/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ResourceStore is the privileged write path for timetable rows. It runs with
// the service's elevated database credential, so every method takes the
// already-resolved owner id as an explicit parameter and filters by it
// internally. Callers never get a query that spans owners.
type ResourceStore struct{ db *gorm.DB }

func (s *Store) Resources() *ResourceStore { return &ResourceStore{db: s.DB} }

// Upsert inserts or updates the one row per (user_id, canonical_key) as a
// single atomic statement. Concurrent writers race on the unique index, not
// on a delete+insert window, so readers always see a complete row.
func (r *ResourceStore) Upsert(ctx context.Context, res *domain.Resource) (*domain.Resource, error) {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = res.LastModified
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "canonical_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "payload", "start_time", "total_duration", "last_modified",
		}),
	}).Create(res).Error
	if err != nil {
		return nil, err
	}
	// Re-read so the caller gets the surviving row's id on the update path.
	return r.GetByKey(ctx, res.UserID, res.CanonicalKey)
}

func (r *ResourceStore) GetByKey(ctx context.Context, ownerUserID uuid.UUID, canonicalKey string) (*domain.Resource, error) {
	var res domain.Resource
	err := r.db.WithContext(ctx).
		First(&res, "user_id = ? AND canonical_key = ?", ownerUserID, canonicalKey).Error
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *ResourceStore) GetByID(ctx context.Context, ownerUserID uuid.UUID, id uuid.UUID) (*domain.Resource, error) {
	var res domain.Resource
	err := r.db.WithContext(ctx).
		First(&res, "user_id = ? AND id = ?", ownerUserID, id).Error
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *ResourceStore) List(ctx context.Context, ownerUserID uuid.UUID) ([]*domain.Resource, error) {
	var out []*domain.Resource
	err := r.db.WithContext(ctx).
		Where("user_id = ?", ownerUserID).
		Order("last_modified DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ResourceStore) TouchedSince(ctx context.Context, ownerUserID uuid.UUID, since time.Time) ([]*domain.Resource, error) {
	var out []*domain.Resource
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND last_modified > ?", ownerUserID, since).
		Order("last_modified DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
