package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
)

// Persisted-state keys inside the CredentialStore namespace.
const (
	keyRegistration = "deviceRegistration"
	keyToken        = "deviceToken"
)

type registrationState struct {
	DeviceID    string    `json:"deviceId"`
	PairingCode string    `json:"pairingCode"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type tokenState struct {
	DeviceID  string    `json:"deviceId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type DeviceAuthConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Store      CredentialStore

	// Fingerprint inputs.
	InstallID       string
	ClientSignature string

	// ExpirySkew is subtracted from the token expiry when deciding whether to
	// refresh; default 30s.
	ExpirySkew time.Duration

	Logger *slog.Logger
}

// DeviceAuth owns the pairing state machine: register, poll for the link,
// exchange, then keep a valid token via rotation. States move strictly
// forward: unregistered, awaiting-link, linked, and back to unregistered when
// a refresh is refused.
type DeviceAuth struct {
	store CredentialStore
	api   *apiClient
	cfg   DeviceAuthConfig
	log   *slog.Logger
	now   func() time.Time

	refresh singleflight.Group
}

func NewDeviceAuth(cfg DeviceAuthConfig) *DeviceAuth {
	if cfg.ExpirySkew <= 0 {
		cfg.ExpirySkew = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &DeviceAuth{
		store: cfg.Store,
		api:   newAPIClient(cfg.BaseURL, cfg.HTTPClient),
		cfg:   cfg,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Registration mirrors the server's response to a register call; the pairing
// code is what the user types (or sees) in the dashboard.
type Registration struct {
	DeviceID    string
	PairingCode string
	ExpiresAt   time.Time
}

// Register asks the server for a pairing code and persists the pending
// registration. Safe to call again after a failure; each call starts a fresh
// registration.
func (a *DeviceAuth) Register(ctx context.Context) (*Registration, error) {
	req := struct {
		Fingerprint string `json:"fingerprint"`
	}{Fingerprint: Fingerprint(a.cfg.InstallID, a.cfg.ClientSignature)}

	var resp struct {
		DeviceID    string    `json:"deviceId"`
		PairingCode string    `json:"pairingCode"`
		ExpiresAt   time.Time `json:"expiresAt"`
	}
	if err := a.api.do(ctx, http.MethodPost, "/v1/devices/register", "", req, &resp); err != nil {
		return nil, &RegistrationError{Err: err}
	}

	st := registrationState{DeviceID: resp.DeviceID, PairingCode: resp.PairingCode, ExpiresAt: resp.ExpiresAt}
	if err := a.saveJSON(ctx, keyRegistration, st); err != nil {
		return nil, err
	}
	a.log.Info("device registered, awaiting link", "device_id", resp.DeviceID, "expires_at", resp.ExpiresAt)
	return &Registration{DeviceID: resp.DeviceID, PairingCode: resp.PairingCode, ExpiresAt: resp.ExpiresAt}, nil
}

// PollForLink calls the exchange endpoint until the user approves the pairing
// code. A not-linked-yet 404 is the steady state and polls again after the
// plain interval; only transport and server errors grow the delay. On success
// the token is persisted and the registration cleared.
func (a *DeviceAuth) PollForLink(ctx context.Context, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = 2500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	var reg registrationState
	if err := a.loadJSON(ctx, keyRegistration, &reg); err != nil {
		if errors.Is(err, ErrNotFound) {
			return errors.New("no pending registration; call Register first")
		}
		return err
	}

	deadline := a.now().Add(timeout)
	errStreak := 0
	for {
		if a.now().After(deadline) {
			return ErrPairingTimeout
		}

		err := a.exchange(ctx, reg)
		switch {
		case err == nil:
			return nil
		case IsNotFound(err):
			// Not linked yet. Expected; no backoff growth.
			errStreak = 0
		case isGone(err):
			_ = a.store.Remove(ctx, keyRegistration)
			return ErrPairingExpired
		case IsInvalid(err):
			return err
		case IsTransient(err):
			errStreak++
			a.log.Warn("pairing poll error", "error", err, "streak", errStreak)
		default:
			return err
		}

		delay := interval
		if errStreak > 0 {
			delay = backoff(errStreak-1, interval, 30*time.Second)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (a *DeviceAuth) exchange(ctx context.Context, reg registrationState) error {
	req := struct {
		DeviceID    string `json:"deviceId"`
		PairingCode string `json:"pairingCode"`
	}{DeviceID: reg.DeviceID, PairingCode: reg.PairingCode}

	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := a.api.do(ctx, http.MethodPost, "/v1/devices/exchange", "", req, &resp); err != nil {
		return err
	}

	st := tokenState{DeviceID: reg.DeviceID, Token: resp.Token, ExpiresAt: resp.ExpiresAt}
	if err := a.saveJSON(ctx, keyToken, st); err != nil {
		return err
	}
	_ = a.store.Remove(ctx, keyRegistration)
	a.log.Info("device linked, token issued", "device_id", reg.DeviceID, "expires_at", resp.ExpiresAt)
	return nil
}

// Token returns a currently-valid bearer token, refreshing through the server
// when the cached one is within the expiry skew. Concurrent callers share a
// single in-flight refresh per device. ErrUnauthenticated means the device
// has to pair again; any other error is transient.
func (a *DeviceAuth) Token(ctx context.Context) (string, error) {
	st, err := a.tokenState(ctx)
	if err != nil {
		return "", err
	}
	if a.now().Before(st.ExpiresAt.Add(-a.cfg.ExpirySkew)) {
		return st.Token, nil
	}

	v, err, _ := a.refresh.Do(st.DeviceID, func() (interface{}, error) {
		return a.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Authenticated reports whether a token is on hand, valid or not.
func (a *DeviceAuth) Authenticated(ctx context.Context) bool {
	_, err := a.tokenState(ctx)
	return err == nil
}

// Invalidate marks the cached token expired so the next Token call refreshes.
// Used when the server rejects a token the client still thought was fresh.
func (a *DeviceAuth) Invalidate(ctx context.Context) error {
	st, err := a.tokenState(ctx)
	if err != nil {
		return err
	}
	st.ExpiresAt = time.Time{}
	return a.saveJSON(ctx, keyToken, st)
}

func (a *DeviceAuth) doRefresh(ctx context.Context) (string, error) {
	// Re-read under the flight: a caller that lost the singleflight race may
	// find the state already rotated.
	st, err := a.tokenState(ctx)
	if err != nil {
		return "", err
	}
	if a.now().Before(st.ExpiresAt.Add(-a.cfg.ExpirySkew)) {
		return st.Token, nil
	}

	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	err = a.api.do(ctx, http.MethodPost, "/v1/devices/refresh", st.Token, struct{}{}, &resp)
	if err != nil {
		if IsUnauthorized(err) {
			// Expired or revoked server-side: local token state is useless.
			_ = a.store.Remove(ctx, keyToken)
			a.log.Warn("token refresh refused, device needs re-pairing")
			return "", ErrUnauthenticated
		}
		return "", fmt.Errorf("token refresh: %w", err)
	}

	st.Token = resp.Token
	st.ExpiresAt = resp.ExpiresAt
	if err := a.saveJSON(ctx, keyToken, st); err != nil {
		return "", err
	}
	a.log.Debug("token rotated", "expires_at", resp.ExpiresAt)
	return st.Token, nil
}

func (a *DeviceAuth) tokenState(ctx context.Context) (tokenState, error) {
	var st tokenState
	if err := a.loadJSON(ctx, keyToken, &st); err != nil {
		if errors.Is(err, ErrNotFound) {
			return st, ErrUnauthenticated
		}
		return st, err
	}
	if st.Token == "" {
		return st, ErrUnauthenticated
	}
	return st, nil
}

func (a *DeviceAuth) saveJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return a.store.Set(ctx, key, data)
}

func (a *DeviceAuth) loadJSON(ctx context.Context, key string, v any) error {
	data, err := a.store.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
