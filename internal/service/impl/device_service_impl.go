package impl

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"timetable-sync/internal/domain"
	"timetable-sync/internal/dto"
	"timetable-sync/internal/observability/metrics"
	"timetable-sync/internal/observability/middleware"
	"timetable-sync/internal/service"
	"timetable-sync/internal/store"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

var _ service.DeviceService = (*DeviceServiceImpl)(nil)

// Pairing codes avoid 0/O/1/I so they survive being read aloud or retyped.
const pairingAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

const rawTokenBytes = 32

type DeviceConfig struct {
	PairingTTL time.Duration // how long an unlinked registration stays claimable
	TokenTTL   time.Duration // device token lifetime; refresh extends by rotation
	CodeLength int
}

type DeviceServiceImpl struct {
	Store dataStore
	cfg   DeviceConfig
	now   func() time.Time
}

func NewDeviceServiceImpl(st *store.Store, cfg DeviceConfig) *DeviceServiceImpl {
	if cfg.PairingTTL <= 0 {
		cfg.PairingTTL = 10 * time.Minute
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 30 * 24 * time.Hour
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 8
	}
	return &DeviceServiceImpl{
		Store: gormStoreAdapter{store: st},
		cfg:   cfg,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Narrow store seam so tests can run against an in-memory implementation.

type dataStore interface {
	WithTx(ctx context.Context, fn func(tx storeTx) error) error
	storeTx
}

type storeTx interface {
	Registrations() registrationStore
	Tokens() tokenStore
}

type registrationStore interface {
	Create(ctx context.Context, reg *domain.DeviceRegistration) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.DeviceRegistration, error)
	GetByPairingCode(ctx context.Context, code string) (*domain.DeviceRegistration, error)
	MarkLinked(ctx context.Context, id uuid.UUID, userID uuid.UUID) (int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type tokenStore interface {
	Create(ctx context.Context, tok *domain.DeviceToken) error
	GetByHash(ctx context.Context, hash string) (*domain.DeviceToken, error)
	Delete(ctx context.Context, hash string) error
	Touch(ctx context.Context, hash string, at time.Time) error
}

type gormStoreAdapter struct{ store *store.Store }

func (g gormStoreAdapter) WithTx(ctx context.Context, fn func(tx storeTx) error) error {
	if g.store == nil {
		return errors.New("nil store")
	}
	return g.store.WithTx(ctx, func(tx *store.Store) error {
		return fn(gormTxAdapter{tx: tx})
	})
}

func (g gormStoreAdapter) Registrations() registrationStore { return g.store.Registrations() }
func (g gormStoreAdapter) Tokens() tokenStore               { return g.store.Tokens() }

type gormTxAdapter struct{ tx *store.Store }

func (g gormTxAdapter) Registrations() registrationStore { return g.tx.Registrations() }
func (g gormTxAdapter) Tokens() tokenStore               { return g.tx.Tokens() }

func (d *DeviceServiceImpl) Register(ctx context.Context, fingerprint string) (*dto.RegisterDeviceResponse, error) {
	result := "success"
	defer func() {
		metrics.DevicePairingsTotal.WithLabelValues("register", result).Inc()
	}()

	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		result = "failure"
		return nil, ErrEmptyFingerprint
	}

	now := d.now()
	code, err := newPairingCode(d.cfg.CodeLength)
	if err != nil {
		result = "failure"
		return nil, err
	}
	reg := &domain.DeviceRegistration{
		ID:          uuid.New(),
		PairingCode: code,
		Fingerprint: fingerprint,
		Linked:      false,
		CreatedAt:   now,
		ExpiresAt:   now.Add(d.cfg.PairingTTL),
	}
	if err := d.Store.Registrations().Create(ctx, reg); err != nil {
		result = "failure"
		return nil, err
	}

	slog.Info("device registration created",
		"device_id", reg.ID,
		"expires_at", reg.ExpiresAt,
		"request_id", middleware.RequestIDFromContext(ctx),
	)
	return &dto.RegisterDeviceResponse{
		DeviceID:    reg.ID.String(),
		PairingCode: reg.PairingCode,
		ExpiresAt:   reg.ExpiresAt,
	}, nil
}

func (d *DeviceServiceImpl) Link(ctx context.Context, userID domain.UserID, pairingCode string) error {
	result := "success"
	defer func() {
		metrics.DevicePairingsTotal.WithLabelValues("link", result).Inc()
	}()

	if userID == uuid.Nil {
		result = "failure"
		return ErrInvalidUserID
	}
	code := normalizeCode(pairingCode)
	if code == "" {
		result = "failure"
		return ErrEmptyPairingCode
	}

	err := d.Store.WithTx(ctx, func(tx storeTx) error {
		reg, err := tx.Registrations().GetByPairingCode(ctx, code)
		if err != nil {
			return translateStoreErr(err, domain.ErrRegistrationNotFound)
		}
		if reg.Expired(d.now()) {
			return domain.ErrRegistrationExpired
		}
		rows, err := tx.Registrations().MarkLinked(ctx, reg.ID, userID)
		if err != nil {
			return err
		}
		if rows == 0 {
			return domain.ErrAlreadyLinked
		}
		return nil
	})
	if err != nil {
		result = "failure"
		return err
	}

	slog.Info("device linked",
		"user_id", userID,
		"request_id", middleware.RequestIDFromContext(ctx),
	)
	return nil
}

func (d *DeviceServiceImpl) Exchange(ctx context.Context, deviceID domain.DeviceID, pairingCode string) (*dto.TokenResponse, error) {
	result := "success"
	defer func() {
		metrics.DeviceTokensIssuedTotal.WithLabelValues("exchange", result).Inc()
	}()

	if deviceID == uuid.Nil {
		result = "failure"
		return nil, ErrInvalidDeviceID
	}
	code := normalizeCode(pairingCode)
	if code == "" {
		result = "failure"
		return nil, ErrEmptyPairingCode
	}

	var out *dto.TokenResponse
	err := d.Store.WithTx(ctx, func(tx storeTx) error {
		reg, err := tx.Registrations().GetByID(ctx, deviceID)
		if err != nil {
			return translateStoreErr(err, domain.ErrRegistrationNotFound)
		}
		if subtle.ConstantTimeCompare([]byte(reg.PairingCode), []byte(code)) != 1 {
			return domain.ErrRegistrationNotFound
		}
		if reg.Expired(d.now()) {
			return domain.ErrRegistrationExpired
		}
		if !reg.Linked || reg.UserID == nil {
			// Steady state during polling, mapped to 404 at the transport.
			return domain.ErrNotLinked
		}

		raw, tok, err := d.mintToken(reg.ID, *reg.UserID)
		if err != nil {
			return err
		}
		if err := tx.Tokens().Create(ctx, tok); err != nil {
			return err
		}
		// The registration is consumed: one registration, at most one token.
		if err := tx.Registrations().Delete(ctx, reg.ID); err != nil {
			return err
		}
		out = &dto.TokenResponse{Token: raw, ExpiresAt: tok.ExpiresAt}
		return nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNotLinked) {
			result = "failure"
		} else {
			result = "pending"
		}
		return nil, err
	}

	slog.Info("device token issued",
		"device_id", deviceID,
		"request_id", middleware.RequestIDFromContext(ctx),
	)
	return out, nil
}

func (d *DeviceServiceImpl) Refresh(ctx context.Context, rawToken string) (*dto.TokenResponse, error) {
	result := "success"
	defer func() {
		metrics.DeviceTokensIssuedTotal.WithLabelValues("refresh", result).Inc()
	}()

	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		result = "failure"
		return nil, ErrEmptyToken
	}

	hash := HashToken(rawToken)
	var out *dto.TokenResponse
	err := d.Store.WithTx(ctx, func(tx storeTx) error {
		old, err := tx.Tokens().GetByHash(ctx, hash)
		if err != nil {
			return translateStoreErr(err, domain.ErrTokenInvalid)
		}
		if old.Expired(d.now()) {
			_ = tx.Tokens().Delete(ctx, hash)
			return domain.ErrTokenExpired
		}

		raw, tok, err := d.mintToken(old.DeviceID, old.UserID)
		if err != nil {
			return err
		}
		// Rotation: old hash dies and the replacement lands in one transaction,
		// so there is no window with zero valid credentials for the device.
		if err := tx.Tokens().Delete(ctx, hash); err != nil {
			return err
		}
		if err := tx.Tokens().Create(ctx, tok); err != nil {
			return err
		}
		out = &dto.TokenResponse{Token: raw, ExpiresAt: tok.ExpiresAt}
		return nil
	})
	if err != nil {
		result = "failure"
		return nil, err
	}

	slog.Info("device token refreshed",
		"request_id", middleware.RequestIDFromContext(ctx),
	)
	return out, nil
}

func (d *DeviceServiceImpl) ResolveToken(ctx context.Context, rawToken string) (*domain.DeviceToken, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, domain.ErrTokenInvalid
	}
	hash := HashToken(rawToken)
	tok, err := d.Store.Tokens().GetByHash(ctx, hash)
	if err != nil {
		return nil, translateStoreErr(err, domain.ErrTokenInvalid)
	}
	if tok.Expired(d.now()) {
		return nil, domain.ErrTokenExpired
	}
	if err := d.Store.Tokens().Touch(ctx, hash, d.now()); err != nil {
		slog.Warn("touch device token failed", "error", err)
	}
	return tok, nil
}

func (d *DeviceServiceImpl) SweepExpired(ctx context.Context) (int64, error) {
	n, err := d.Store.Registrations().DeleteExpired(ctx, d.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("swept expired device registrations", "count", n)
	}
	return n, nil
}

func (d *DeviceServiceImpl) mintToken(deviceID domain.DeviceID, userID domain.UserID) (string, *domain.DeviceToken, error) {
	buf := make([]byte, rawTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)
	now := d.now()
	return raw, &domain.DeviceToken{
		TokenHash:  HashToken(raw),
		DeviceID:   deviceID,
		UserID:     userID,
		ExpiresAt:  now.Add(d.cfg.TokenTTL),
		LastUsedAt: now,
		CreatedAt:  now,
	}, nil
}

// HashToken is the at-rest form of a raw device token. Only this hash is ever
// persisted.
func HashToken(raw string) string {
	sum := sha3.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newPairingCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = pairingAlphabet[int(b)%len(pairingAlphabet)]
	}
	return string(out), nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func translateStoreErr(err error, notFound error) error {
	if store.IsNotFound(err) {
		return notFound
	}
	return err
}
