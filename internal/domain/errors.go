package domain

import "errors"

var (
	ErrRegistrationNotFound = errors.New("registration not found")
	ErrRegistrationExpired  = errors.New("registration expired")
	ErrNotLinked            = errors.New("device not linked yet")
	ErrAlreadyLinked        = errors.New("registration already linked")
	ErrTokenInvalid         = errors.New("invalid device token")
	ErrTokenExpired         = errors.New("device token expired")
	ErrResourceNotFound     = errors.New("resource not found")
	ErrInvalidPayload       = errors.New("invalid payload")
	ErrInvalidKey           = errors.New("invalid canonical key")
)
