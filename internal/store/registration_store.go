package store

import (
	"context"
	"time"

	"timetable-sync/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RegistrationStore struct{ db *gorm.DB }

func (s *Store) Registrations() *RegistrationStore { return &RegistrationStore{db: s.DB} }

func (r *RegistrationStore) Create(ctx context.Context, reg *domain.DeviceRegistration) error {
	if reg.ID == uuid.Nil {
		reg.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(reg).Error
}

func (r *RegistrationStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.DeviceRegistration, error) {
	var reg domain.DeviceRegistration
	if err := r.db.WithContext(ctx).First(&reg, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &reg, nil
}

func (r *RegistrationStore) GetByPairingCode(ctx context.Context, code string) (*domain.DeviceRegistration, error) {
	var reg domain.DeviceRegistration
	if err := r.db.WithContext(ctx).First(&reg, "pairing_code = ?", code).Error; err != nil {
		return nil, err
	}
	return &reg, nil
}

// MarkLinked binds a registration to a user. The WHERE clause refuses
// already-linked rows so a pairing code can only be claimed once.
func (r *RegistrationStore) MarkLinked(ctx context.Context, id uuid.UUID, userID uuid.UUID) (int64, error) {
	tx := r.db.WithContext(ctx).
		Model(&domain.DeviceRegistration{}).
		Where("id = ? AND linked = false", id).
		Updates(map[string]interface{}{"linked": true, "user_id": userID})
	return tx.RowsAffected, tx.Error
}

func (r *RegistrationStore) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&domain.DeviceRegistration{}, "id = ?", id).Error
}

// DeleteExpired sweeps registrations that were never exchanged.
func (r *RegistrationStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Delete(&domain.DeviceRegistration{}, "expires_at < ?", now)
	return tx.RowsAffected, tx.Error
}
