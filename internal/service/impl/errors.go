package impl

import "errors"

var (
	ErrEmptyFingerprint = errors.New("fingerprint is required")
	ErrEmptyPairingCode = errors.New("pairing code is required")
	ErrEmptyToken       = errors.New("token is required")
	ErrInvalidDeviceID  = errors.New("invalid device id")
	ErrInvalidUserID    = errors.New("invalid user id")
)
