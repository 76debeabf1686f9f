package dto

import "time"

type RegisterDeviceRequest struct {
	Fingerprint string `json:"fingerprint"`
}

type RegisterDeviceResponse struct {
	DeviceID    string    `json:"deviceId"`
	PairingCode string    `json:"pairingCode"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type ExchangeRequest struct {
	DeviceID    string `json:"deviceId"`
	PairingCode string `json:"pairingCode"`
}

type LinkRequest struct {
	PairingCode string `json:"pairingCode"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}
