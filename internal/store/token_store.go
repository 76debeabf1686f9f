package store

import (
	"context"
	"time"

	"timetable-sync/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TokenStore struct{ db *gorm.DB }

func (s *Store) Tokens() *TokenStore { return &TokenStore{db: s.DB} }

func (t *TokenStore) Create(ctx context.Context, tok *domain.DeviceToken) error {
	return t.db.WithContext(ctx).Create(tok).Error
}

func (t *TokenStore) GetByHash(ctx context.Context, hash string) (*domain.DeviceToken, error) {
	var tok domain.DeviceToken
	if err := t.db.WithContext(ctx).First(&tok, "token_hash = ?", hash).Error; err != nil {
		return nil, err
	}
	return &tok, nil
}

func (t *TokenStore) Delete(ctx context.Context, hash string) error {
	return t.db.WithContext(ctx).Delete(&domain.DeviceToken{}, "token_hash = ?", hash).Error
}

func (t *TokenStore) Touch(ctx context.Context, hash string, at time.Time) error {
	return t.db.WithContext(ctx).
		Model(&domain.DeviceToken{}).
		Where("token_hash = ?", hash).
		Update("last_used_at", at).Error
}

func (t *TokenStore) RevokeForDevice(ctx context.Context, deviceID uuid.UUID) (int64, error) {
	tx := t.db.WithContext(ctx).Delete(&domain.DeviceToken{}, "device_id = ?", deviceID)
	return tx.RowsAffected, tx.Error
}
