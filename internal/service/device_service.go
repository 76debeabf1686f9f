package service

import (
	"context"

	"timetable-sync/internal/domain"
	"timetable-sync/internal/dto"
)

type DeviceService interface {
	// Register creates a short-lived pairing record for an unauthenticated device.
	Register(ctx context.Context, fingerprint string) (*dto.RegisterDeviceResponse, error)
	// Link binds a pending registration to the authenticated dashboard user.
	Link(ctx context.Context, userID domain.UserID, pairingCode string) error
	// Exchange trades a linked registration for a raw device token. While the
	// registration is pending it returns domain.ErrNotLinked, which the
	// transport maps to 404 so polling clients keep waiting.
	Exchange(ctx context.Context, deviceID domain.DeviceID, pairingCode string) (*dto.TokenResponse, error)
	// Refresh rotates a valid raw token: the old hash is invalidated and a
	// fresh token issued in one transaction.
	Refresh(ctx context.Context, rawToken string) (*dto.TokenResponse, error)
	// ResolveToken maps a raw bearer token to its owning token row.
	ResolveToken(ctx context.Context, rawToken string) (*domain.DeviceToken, error)
	// SweepExpired removes registrations whose pairing window closed.
	SweepExpired(ctx context.Context) (int64, error)
}
