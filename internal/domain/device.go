package domain

import "time"

// DeviceRegistration is a short-lived pairing record. It is created when an
// unauthenticated device asks to pair, bound to a user when the dashboard
// approves the pairing code, and consumed by the token exchange. One
// registration produces at most one token.
type DeviceRegistration struct {
	ID          DeviceID  `gorm:"type:uuid;primaryKey" db:"id" json:"id"`
	PairingCode string    `gorm:"type:text;uniqueIndex:ux_reg_code;not null" db:"pairing_code" json:"pairingCode"`
	Fingerprint string    `gorm:"type:text;not null" db:"fingerprint" json:"fingerprint"`
	UserID      *UserID   `gorm:"type:uuid" db:"user_id" json:"userId,omitempty"`
	Linked      bool      `gorm:"not null;default:false" db:"linked" json:"linked"`
	CreatedAt   time.Time `gorm:"not null" db:"created_at"`
	ExpiresAt   time.Time `gorm:"not null;index" db:"expires_at" json:"expiresAt"`
}

func (DeviceRegistration) TableName() string { return "device_registrations" }

func (r *DeviceRegistration) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// DeviceToken is the durable credential issued at exchange. Only the
// SHA3-256 hex of the raw token is persisted; the raw value crosses the wire
// exactly once per issue/rotate.
type DeviceToken struct {
	TokenHash  string    `gorm:"type:text;primaryKey" db:"token_hash"`
	DeviceID   DeviceID  `gorm:"type:uuid;index;not null" db:"device_id" json:"deviceId"`
	UserID     UserID    `gorm:"type:uuid;index;not null" db:"user_id" json:"userId"`
	ExpiresAt  time.Time `gorm:"not null" db:"expires_at" json:"expiresAt"`
	LastUsedAt time.Time `gorm:"not null" db:"last_used_at"`
	CreatedAt  time.Time `gorm:"not null" db:"created_at"`
}

func (DeviceToken) TableName() string { return "device_tokens" }

func (t *DeviceToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
